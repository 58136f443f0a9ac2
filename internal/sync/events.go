package sync

import (
	"time"

	"github.com/matheus3301/msgsync/internal/store"
)

// MessageView is the event representation of a stored message.
type MessageView struct {
	ID             string       `json:"id"`
	TempID         string       `json:"tempId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Text           string       `json:"text"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         store.Status `json:"status"`
	Type           store.Type   `json:"type"`
	FromMe         bool         `json:"fromMe"`
}

// ViewOf converts a stored message.
func ViewOf(m store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Timestamp:      m.Timestamp,
		Status:         m.Status,
		Type:           m.Type,
		FromMe:         m.FromMe,
	}
}

// MessageCreated is published when a local message is first persisted.
type MessageCreated struct {
	Message MessageView `json:"message"`
}

// StatusChanged is published on every delivery status transition.
type StatusChanged struct {
	ID             string       `json:"id"`
	TempID         string       `json:"tempId"`
	ConversationID string       `json:"conversationId"`
	From           store.Status `json:"from"`
	To             store.Status `json:"to"`
	Reason         string       `json:"reason,omitempty"`
}

// Reconciled is published when a temp id is replaced by the server id.
type Reconciled struct {
	TempID         string `json:"tempId"`
	CanonicalID    string `json:"canonicalId"`
	ConversationID string `json:"conversationId"`
}

// MessageReceived is published for every new inbound message.
type MessageReceived struct {
	Message MessageView `json:"message"`
}

// TypingChanged is republished from typing_start and typing_stop.
type TypingChanged struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Active         bool   `json:"active"`
}

// PresenceChanged is republished from presence envelopes.
type PresenceChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// QueueDrained is published at the end of every drain pass that ran.
type QueueDrained struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}
