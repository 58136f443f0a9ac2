package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Enqueue appends a delivery entry and returns its queue id. Enqueueing a
// temp id that is already queued returns the existing entry's id.
func (db *DB) Enqueue(ctx context.Context, e *QueueEntry) (int64, error) {
	if e.TempID == "" || e.ConversationID == "" {
		return 0, fmt.Errorf("%w: queue entry needs temp id and conversation", ErrInvalidRecord)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_queue (temp_id, conversation_id, text, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(temp_id) DO NOTHING`,
			e.TempID, e.ConversationID, e.Text, formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", e.TempID, err)
		}
		return tx.QueryRowContext(ctx, `SELECT queue_id FROM pending_queue WHERE temp_id = ?`, e.TempID).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	e.QueueID = id
	return id, nil
}

// ListQueue returns all queued entries in FIFO order.
func (db *DB) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT queue_id, temp_id, conversation_id, text, created_at
		FROM pending_queue ORDER BY queue_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		var (
			e  QueueEntry
			ts string
		)
		if err := rows.Scan(&e.QueueID, &e.TempID, &e.ConversationID, &e.Text, &ts); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Dequeue removes an entry. Removing an entry that is already gone is not
// an error.
func (db *DB) Dequeue(ctx context.Context, queueID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_queue WHERE queue_id = ?`, queueID); err != nil {
		return fmt.Errorf("dequeue %d: %w", queueID, err)
	}
	return nil
}

// QueueLength returns the number of queued entries.
func (db *DB) QueueLength(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_queue`).Scan(&n)
	return n, err
}

// HasQueued reports whether conversationID has any queued entry.
func (db *DB) HasQueued(ctx context.Context, conversationID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_queue WHERE conversation_id = ?)`, conversationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("queue lookup %s: %w", conversationID, err)
	}
	return n > 0, nil
}

// RequeueStranded queues every sending message that has no queue entry,
// oldest first. These are rows whose delivery was cut short by a crash.
func (db *DB) RequeueStranded(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO pending_queue (temp_id, conversation_id, text, created_at)
		SELECT COALESCE(NULLIF(m.temp_id, ''), m.id), m.conversation_id, m.text, m.timestamp
		FROM messages m
		WHERE m.status = 'sending'
		  AND NOT EXISTS (
			SELECT 1 FROM pending_queue q
			WHERE q.temp_id = COALESCE(NULLIF(m.temp_id, ''), m.id))
		ORDER BY m.timestamp ASC, m.rowid ASC`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
