package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `id, temp_id, conversation_id, sender_id, text, timestamp, status, type, from_me, attempts`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (Message, error) {
	var (
		m  Message
		ts string
	)
	if err := s.Scan(&m.ID, &m.TempID, &m.ConversationID, &m.SenderID, &m.Text, &ts, &m.Status, &m.Type, &m.FromMe, &m.Attempts); err != nil {
		return Message{}, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return Message{}, err
	}
	m.Timestamp = t
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ensureConversation creates a stub conversation row so the message foreign
// key holds for conversations the store has not seen yet.
func ensureConversation(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO conversations (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	return nil
}

func upsertMessage(ctx context.Context, q querier, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			temp_id = CASE WHEN excluded.temp_id != '' THEN excluded.temp_id ELSE messages.temp_id END,
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			text = excluded.text,
			timestamp = excluded.timestamp,
			status = excluded.status,
			type = excluded.type,
			from_me = excluded.from_me,
			attempts = excluded.attempts`,
		m.ID, m.TempID, m.ConversationID, m.SenderID, m.Text, formatTime(m.Timestamp),
		string(m.Status), string(m.Type), m.FromMe, m.Attempts)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// SaveMessage inserts or replaces a message by id. Last writer wins.
func (db *DB) SaveMessage(ctx context.Context, m *Message) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureConversation(ctx, tx, m.ConversationID); err != nil {
			return err
		}
		return upsertMessage(ctx, tx, m)
	})
}

// SaveMessages upserts a batch of messages in one transaction.
func (db *DB) SaveMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range msgs {
			if err := ensureConversation(ctx, tx, msgs[i].ConversationID); err != nil {
				return err
			}
			if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendMessage upserts m and, when the row is new, advances its
// conversation: last message pointer, updated_at and (for incoming
// messages) the unread count. Reports whether the row was created.
func (db *DB) AppendMessage(ctx context.Context, m *Message, incoming bool) (bool, error) {
	var created bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = appendMessage(ctx, tx, m, incoming)
		return err
	})
	return created, err
}

// AppendMessages appends a batch in one transaction and returns the messages
// that were not stored before.
func (db *DB) AppendMessages(ctx context.Context, msgs []Message, incoming bool) ([]Message, error) {
	var fresh []Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		fresh = fresh[:0]
		for i := range msgs {
			created, err := appendMessage(ctx, tx, &msgs[i], incoming)
			if err != nil {
				return err
			}
			if created {
				fresh = append(fresh, msgs[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func appendMessage(ctx context.Context, q querier, m *Message, incoming bool) (bool, error) {
	if err := ensureConversation(ctx, q, m.ConversationID); err != nil {
		return false, err
	}
	var exists int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, m.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup message %s: %w", m.ID, err)
	}
	if err := upsertMessage(ctx, q, m); err != nil {
		return false, err
	}
	if exists > 0 {
		return false, nil
	}

	unread := 0
	if incoming && !m.FromMe {
		unread = 1
	}
	ts := formatTime(m.Timestamp)
	_, err = q.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = CASE
				WHEN COALESCE((SELECT timestamp FROM messages WHERE id = conversations.last_message_id), '') <= ?
				THEN ? ELSE last_message_id END,
			updated_at = MAX(updated_at + 1, ?),
			unread_count = unread_count + ?
		WHERE id = ?`,
		ts, m.ID, m.Timestamp.UnixMilli(), unread, m.ConversationID)
	if err != nil {
		return false, fmt.Errorf("bump conversation %s: %w", m.ConversationID, err)
	}
	return true, nil
}

// GetMessages returns up to limit messages of a conversation, newest first.
func (db *DB) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListMessagesBefore returns up to limit messages older than beforeID using
// keyset pagination on (timestamp, rowid). An empty beforeID starts from
// the newest message.
func (db *DB) ListMessagesBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]Message, error) {
	if beforeID == "" {
		return db.GetMessages(ctx, conversationID, limit)
	}
	if limit <= 0 {
		limit = 50
	}
	var (
		ts    string
		rowid int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT timestamp, rowid FROM messages
		WHERE conversation_id = ? AND (id = ? OR temp_id = ?)`,
		conversationID, beforeID, beforeID).Scan(&ts, &rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", beforeID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND (timestamp < ? OR (timestamp = ? AND rowid < ?))
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, conversationID, ts, ts, rowid, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// GetMessage returns a message by its current id or by the temp id it was
// created with.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, db, id)
}

func getMessage(ctx context.Context, q querier, id string) (*Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = ? OR temp_id = ?
		ORDER BY id = ? DESC
		LIMIT 1`, id, id, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PurgeOld deletes all but the keep newest messages of a conversation.
// Messages that still have a pending queue entry are never removed.
func (db *DB) PurgeOld(ctx context.Context, conversationID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE conversation_id = ?
		  AND id NOT IN (
			SELECT id FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, rowid DESC
			LIMIT ?)
		  AND NOT EXISTS (
			SELECT 1 FROM pending_queue q
			WHERE q.temp_id = messages.id OR (messages.temp_id != '' AND q.temp_id = messages.temp_id))`,
		conversationID, conversationID, keep)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", conversationID, err)
	}
	return res.RowsAffected()
}

// MessageCounts returns the number of stored messages per status.
func (db *DB) MessageCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
