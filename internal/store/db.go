package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/chatsync/internal/bus"
)

var (
	// ErrNotFound is returned when a conversation, member or message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTxExhausted is returned when a transaction kept conflicting past MaxRetries.
	ErrTxExhausted = errors.New("store: transaction retries exhausted")
	// ErrForbidden is returned when a member attempts an edit reserved to the sender.
	ErrForbidden = errors.New("store: forbidden")
	// ErrConflict can be returned from a RunTx callback to request another attempt.
	ErrConflict = errors.New("store: conflict")
	// ErrNotEditable is returned when editing a recalled or non-text message.
	ErrNotEditable = errors.New("store: message cannot be edited")
)

// DefaultMaxRetries bounds RunTx attempts when Options.MaxRetries is zero.
const DefaultMaxRetries = 5

// Options configures Open.
type Options struct {
	// Bus receives change events after each committed transaction. When nil the
	// store creates a private bus, so watches still work.
	Bus        *bus.Bus
	MaxRetries int
	// Now overrides the wall clock; used by tests.
	Now func() time.Time
}

// DB wraps the SQLite document store holding conversations, members, messages
// and the user directory.
type DB struct {
	*sql.DB
	bus        *bus.Bus
	maxRetries int
	now        func() time.Time
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so that conflicting writers fail
// fast with SQLITE_BUSY instead of deadlocking on upgrade.
func Open(path string, opts Options) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	return &DB{DB: db, bus: opts.Bus, maxRetries: opts.MaxRetries, now: opts.Now}, nil
}

// Bus returns the event bus the store publishes to. It is never nil.
func (db *DB) Bus() *bus.Bus {
	return db.bus
}

func (db *DB) nowMs() int64 {
	return db.now().UnixMilli()
}

func (db *DB) publish(events []bus.Event) {
	for _, evt := range events {
		db.bus.Publish(evt)
	}
}
