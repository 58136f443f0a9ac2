package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when a required record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidRecord is returned when a record fails validation before a write.
var ErrInvalidRecord = errors.New("invalid record")

// DB wraps the SQLite database backing a sync session.
type DB struct {
	*sql.DB

	initGroup singleflight.Group
	ready     atomic.Bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so two writers never deadlock
// on a lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// InitResult describes what the first Init did.
type InitResult struct {
	Migrate  *MigrateResult
	Requeued int
	// Repeat is true when Init had already completed and this call did nothing.
	Repeat bool
}

// Init prepares the schema. It is idempotent: concurrent callers share one
// in-flight initialization and later calls return immediately. The first
// successful Init re-queues messages left in sending without a queue entry.
func (db *DB) Init(ctx context.Context) (*InitResult, error) {
	if db.ready.Load() {
		return &InitResult{Repeat: true}, nil
	}
	v, err, _ := db.initGroup.Do("init", func() (any, error) {
		if db.ready.Load() {
			return &InitResult{Repeat: true}, nil
		}
		mres, err := db.Migrate()
		if err != nil {
			return nil, err
		}
		n, err := db.RequeueStranded(ctx)
		if err != nil {
			return nil, fmt.Errorf("requeue stranded: %w", err)
		}
		db.ready.Store(true)
		return &InitResult{Migrate: mres, Requeued: n}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*InitResult), nil
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
