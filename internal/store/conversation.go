package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveConversation inserts or updates the descriptive fields of a
// conversation. Message bookkeeping (last message, unread count) is left to
// AppendMessage, and updated_at never moves backwards.
func (db *DB) SaveConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalidRecord)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, match_id, name, photo_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			match_id = excluded.match_id,
			name = excluded.name,
			photo_url = excluded.photo_url,
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		c.ID, c.MatchID, c.Name, c.PhotoURL, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

const conversationQuery = `
	SELECT c.id, c.match_id, c.name, c.photo_url, c.last_message_id, c.unread_count, c.updated_at,
		m.id, m.temp_id, m.conversation_id, m.sender_id, m.text, m.timestamp, m.status, m.type, m.from_me, m.attempts
	FROM conversations c
	LEFT JOIN messages m ON m.id = c.last_message_id`

func scanConversation(s rowScanner) (Conversation, error) {
	var (
		c  Conversation
		lm nullMessage
	)
	err := s.Scan(&c.ID, &c.MatchID, &c.Name, &c.PhotoURL, &c.LastMessageID, &c.UnreadCount, &c.UpdatedAt,
		&lm.id, &lm.tempID, &lm.conversationID, &lm.senderID, &lm.text, &lm.timestamp, &lm.status, &lm.typ, &lm.fromMe, &lm.attempts)
	if err != nil {
		return Conversation{}, err
	}
	if lm.id.Valid {
		m, err := lm.message()
		if err != nil {
			return Conversation{}, err
		}
		c.LastMessage = m
	}
	return c, nil
}

// nullMessage receives the LEFT JOINed last message columns.
type nullMessage struct {
	id, tempID, conversationID sql.NullString
	senderID, text, timestamp  sql.NullString
	status, typ                sql.NullString
	fromMe                     sql.NullBool
	attempts                   sql.NullInt64
}

func (n nullMessage) message() (*Message, error) {
	ts, err := parseTime(n.timestamp.String)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             n.id.String,
		TempID:         n.tempID.String,
		ConversationID: n.conversationID.String,
		SenderID:       n.senderID.String,
		Text:           n.text.String,
		Timestamp:      ts,
		Status:         Status(n.status.String),
		Type:           Type(n.typ.String),
		FromMe:         n.fromMe.Bool,
		Attempts:       int(n.attempts.Int64),
	}, nil
}

// GetConversations returns all conversations, most recently updated first,
// with their last message resolved.
func (db *DB) GetConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, conversationQuery+` ORDER BY c.updated_at DESC, c.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx, conversationQuery+` WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkRead resets the unread counter of a conversation.
func (db *DB) MarkRead(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}
