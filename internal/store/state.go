package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint keys kept in sync_state.
const (
	StateLastDrainAt = "last_drain_at"
	StateLastAckAt   = "last_ack_at"
)

// SetState updates a sync checkpoint value.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState retrieves a sync checkpoint value.
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("state %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// AddDeferredSync registers a background sync request under tag. Registering
// the same tag again refreshes its request time.
func (db *DB) AddDeferredSync(ctx context.Context, tag string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO deferred_syncs (tag, requested_at) VALUES (?, ?)
		ON CONFLICT(tag) DO UPDATE SET requested_at = excluded.requested_at`,
		tag, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("register deferred sync %s: %w", tag, err)
	}
	return nil
}

// PendingDeferredSyncs returns the registered requests, oldest first.
func (db *DB) PendingDeferredSyncs(ctx context.Context) ([]DeferredSync, error) {
	rows, err := db.QueryContext(ctx, `SELECT tag, requested_at FROM deferred_syncs ORDER BY requested_at, tag`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeferredSync
	for rows.Next() {
		var (
			d  DeferredSync
			ms int64
		)
		if err := rows.Scan(&d.Tag, &ms); err != nil {
			return nil, err
		}
		d.RequestedAt = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearDeferredSyncs drops the requests registered before the given time.
// Requests that arrive while a sync is running survive.
func (db *DB) ClearDeferredSyncs(ctx context.Context, before time.Time) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM deferred_syncs WHERE requested_at < ?`, before.UnixMilli()); err != nil {
		return fmt.Errorf("clear deferred syncs: %w", err)
	}
	return nil
}
