package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Delivery describes the outcome of ConfirmDelivery.
type Delivery struct {
	Message    Message
	PreviousID string
	// Changed is false when the message was already sent under the same id.
	Changed bool
}

// ConfirmDelivery records the server acknowledgement of tempID in one
// transaction: the row moves to sent, its id becomes canonicalID (in place,
// never as a second row), the conversation's last message pointer follows
// the new id, and the queue entry is removed.
//
// If a row with canonicalID already exists (the server echoed the message
// before the ack arrived) the temp row is folded into it.
func (db *DB) ConfirmDelivery(ctx context.Context, tempID, canonicalID string) (*Delivery, error) {
	var d Delivery
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, tempID)
		if err != nil {
			return err
		}
		if canonicalID == "" {
			canonicalID = cur.ID
		}
		d.PreviousID = cur.ID
		d.Changed = cur.ID != canonicalID || cur.Status != StatusSent

		if cur.ID != canonicalID {
			var other int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, canonicalID).Scan(&other)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", canonicalID, err)
			}
			if other > 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, cur.ID); err != nil {
					return fmt.Errorf("fold %s: %w", cur.ID, err)
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET temp_id = ?, status = 'sent', from_me = 1, attempts = 0
					WHERE id = ?`, tempID, canonicalID)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE messages SET id = ?, status = 'sent', attempts = 0
					WHERE id = ?`, canonicalID, cur.ID)
			}
			if err != nil {
				return fmt.Errorf("reconcile %s -> %s: %w", cur.ID, canonicalID, err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE conversations SET last_message_id = ? WHERE last_message_id = ?`, canonicalID, cur.ID)
			if err != nil {
				return fmt.Errorf("repoint conversation: %w", err)
			}
		} else if cur.Status != StatusSent {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'sent', attempts = 0 WHERE id = ?`, cur.ID); err != nil {
				return fmt.Errorf("mark sent %s: %w", cur.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_queue WHERE temp_id = ?`, tempID); err != nil {
			return fmt.Errorf("dequeue %s: %w", tempID, err)
		}

		m, err := getMessage(ctx, tx, canonicalID)
		if err != nil {
			return err
		}
		d.Message = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// MarkFailed moves an unsent message to failed and drops its queue entry.
// A message that is already sent is returned unchanged.
func (db *DB) MarkFailed(ctx context.Context, tempID string) (*Message, error) {
	var out *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, tempID)
		if err != nil {
			return err
		}
		if cur.Status == StatusSent {
			out = cur
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'failed' WHERE id = ?`, cur.ID); err != nil {
			return fmt.Errorf("mark failed %s: %w", cur.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_queue WHERE temp_id = ?`, tempID); err != nil {
			return fmt.Errorf("dequeue %s: %w", tempID, err)
		}
		cur.Status = StatusFailed
		out = cur
		return nil
	})
	return out, err
}

// MarkSending moves a failed message back to sending and resets its attempt
// counter. Messages in any other state are returned unchanged.
func (db *DB) MarkSending(ctx context.Context, tempID string) (*Message, error) {
	var out *Message
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, tempID)
		if err != nil {
			return err
		}
		if cur.Status == StatusFailed {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'sending', attempts = 0 WHERE id = ?`, cur.ID); err != nil {
				return fmt.Errorf("mark sending %s: %w", cur.ID, err)
			}
			cur.Status = StatusSending
			cur.Attempts = 0
		}
		out = cur
		return nil
	})
	return out, err
}

// RecordAttempt increments the failed delivery counter of a message and
// returns the new value.
func (db *DB) RecordAttempt(ctx context.Context, tempID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		UPDATE messages SET attempts = attempts + 1
		WHERE id = ? OR temp_id = ?
		RETURNING attempts`, tempID, tempID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("message %s: %w", tempID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt %s: %w", tempID, err)
	}
	return n, nil
}
