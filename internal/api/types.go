package api

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
)

// SendMessageRequest is the body of MessageService.SendMessage.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// RetryMessageRequest is the body of MessageService.RetryMessage. ID may be
// the message id or the temp id it was created with.
type RetryMessageRequest struct {
	ID string `json:"id"`
}

// MessageResponse carries a single message.
type MessageResponse struct {
	Message intsync.MessageView `json:"message"`
}

// LoadOlderRequest is the body of MessageService.LoadOlderMessages.
type LoadOlderRequest struct {
	ConversationID string `json:"conversationId"`
	BeforeID       string `json:"beforeId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// MessagePage is a newest-first page of messages.
type MessagePage struct {
	Messages []intsync.MessageView `json:"messages"`
	HasMore  bool                  `json:"hasMore"`
}

// SearchRequest is the body of MessageService.SearchMessages.
type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// SearchHit is one search result; the match is wrapped in << >>.
type SearchHit struct {
	Message intsync.MessageView `json:"message"`
	Snippet string              `json:"snippet"`
}

// SearchPage holds search results.
type SearchPage struct {
	Results []SearchHit `json:"results"`
	HasMore bool        `json:"hasMore"`
}

// TypingRequest is the body of MessageService.SendTyping.
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"active"`
}

// WatchRequest selects events by kind prefix; empty means all events.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed by WatchEvents.
type Event struct {
	ID         string          `json:"id"`
	Session    string          `json:"session"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ConversationView is a conversation with its last message.
type ConversationView struct {
	ID          string               `json:"id"`
	MatchID     string               `json:"matchId,omitempty"`
	Name        string               `json:"name"`
	PhotoURL    string               `json:"photoUrl,omitempty"`
	LastMessage *intsync.MessageView `json:"lastMessage,omitempty"`
	UnreadCount int                  `json:"unreadCount"`
	UpdatedAt   int64                `json:"updatedAt"`
}

// ConversationList is the response of ListConversations.
type ConversationList struct {
	Conversations []ConversationView `json:"conversations"`
}

// MarkReadRequest is the body of ConversationService.MarkRead.
type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
}

// StatusReport is the response of SyncService.GetStatus.
type StatusReport struct {
	Session           string `json:"session"`
	Transport         string `json:"transport"`
	Online            bool   `json:"online"`
	Network           bool   `json:"network"`
	QueueLength       int    `json:"queueLength"`
	Sending           int    `json:"sending"`
	Sent              int    `json:"sent"`
	Failed            int    `json:"failed"`
	DeferredScheduled bool   `json:"deferredScheduled"`
	DeferredRuns      int    `json:"deferredRuns"`
	LastDrainAt       string `json:"lastDrainAt,omitempty"`
	LastAckAt         string `json:"lastAckAt,omitempty"`
	UptimeMs          int64  `json:"uptimeMs"`
}

// QueueEntryView is one pending delivery.
type QueueEntryView struct {
	QueueID        int64     `json:"queueId"`
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QueueList is the response of ListQueue.
type QueueList struct {
	Entries []QueueEntryView `json:"entries"`
}

// DrainResult is the response of DrainQueue.
type DrainResult struct {
	Remaining int `json:"remaining"`
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func messageViews(msgs []store.Message) []intsync.MessageView {
	out := make([]intsync.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, intsync.ViewOf(m))
	}
	return out
}

func conversationToView(c *store.Conversation) ConversationView {
	v := ConversationView{
		ID:          c.ID,
		MatchID:     c.MatchID,
		Name:        c.Name,
		PhotoURL:    c.PhotoURL,
		UnreadCount: c.UnreadCount,
		UpdatedAt:   c.UpdatedAt,
	}
	if c.LastMessage != nil {
		lm := intsync.ViewOf(*c.LastMessage)
		v.LastMessage = &lm
	}
	return v
}
