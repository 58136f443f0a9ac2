package store

import (
	"fmt"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Type is the content kind of a message.
type Type string

const (
	TypeText   Type = "text"
	TypeImage  Type = "image"
	TypeVideo  Type = "video"
	TypeSystem Type = "system"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeSystem:
		return true
	}
	return false
}

// Message is a single chat message. While a message is being delivered its
// ID equals TempID; after the server acknowledges it, ID holds the server id
// and TempID keeps the client id it was created with.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	Text           string
	Timestamp      time.Time
	Status         Status
	Type           Type
	FromMe         bool
	Attempts       int
}

// Validate checks the fields every persisted message must carry.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: message id is empty", ErrInvalidRecord)
	case m.ConversationID == "":
		return fmt.Errorf("%w: message %s has no conversation", ErrInvalidRecord, m.ID)
	case !m.Status.Valid():
		return fmt.Errorf("%w: message %s has status %q", ErrInvalidRecord, m.ID, m.Status)
	case !m.Type.Valid():
		return fmt.Errorf("%w: message %s has type %q", ErrInvalidRecord, m.ID, m.Type)
	case m.Type == TypeText && m.Text == "":
		return fmt.Errorf("%w: text message %s is empty", ErrInvalidRecord, m.ID)
	}
	return nil
}

// Conversation is a chat thread.
type Conversation struct {
	ID            string
	MatchID       string
	Name          string
	PhotoURL      string
	LastMessageID string
	LastMessage   *Message
	UnreadCount   int
	UpdatedAt     int64 // unix ms, strictly increasing per new message
}

// QueueEntry is a message waiting for delivery.
type QueueEntry struct {
	QueueID        int64
	TempID         string
	ConversationID string
	Text           string
	CreatedAt      time.Time
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// DeferredSync is a persisted background sync request.
type DeferredSync struct {
	Tag         string
	RequestedAt time.Time
}

// timeLayout is fixed width so text comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
