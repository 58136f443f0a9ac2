package transport

import "time"

// Envelope types exchanged with the server.
const (
	TypeHello        = "hello"
	TypeWelcome      = "welcome"
	TypeSendMessage  = "send_message"
	TypeMessageAck   = "message_ack"
	TypeMessageError = "message_error"
	TypeNewMessage   = "new_message"
	TypeHistoryBatch = "history_batch"
	TypeTypingStart  = "typing_start"
	TypeTypingStop   = "typing_stop"
	TypePresence     = "presence"
)

// Envelope is the JSON frame sent in both directions. Type selects which of
// the other fields are meaningful.
type Envelope struct {
	Type           string        `json:"type"`
	Identity       string        `json:"identity,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	CanonicalID    string        `json:"canonicalId,omitempty"`
	Text           string        `json:"text,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Message        *WireMessage  `json:"message,omitempty"`
	Messages       []WireMessage `json:"messages,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Status         string        `json:"status,omitempty"`
}

// WireMessage is a server-side message as carried by new_message and
// history_batch.
type WireMessage struct {
	ID             string    `json:"id"`
	TempID         string    `json:"tempId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	Type           string    `json:"type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SendMessage builds a send_message envelope.
func SendMessage(conversationID, tempID, text string) Envelope {
	return Envelope{Type: TypeSendMessage, ConversationID: conversationID, TempID: tempID, Text: text}
}

// Typing builds a typing_start or typing_stop envelope.
func Typing(conversationID string, active bool) Envelope {
	t := TypeTypingStop
	if active {
		t = TypeTypingStart
	}
	return Envelope{Type: t, ConversationID: conversationID}
}
