package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Tx is a read-modify-write transaction. Change events recorded on it are
// published only after a successful commit.
type Tx struct {
	tx     *sql.Tx
	db     *DB
	now    int64
	events []bus.Event
	seen   map[string]bool
	// snapshots run after fn succeeds and before commit, so events carry the
	// final state of every touched document.
	snapshots []func() error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Now returns the timestamp fixed for this attempt, in unix milliseconds.
func (t *Tx) Now() int64 {
	return t.now
}

// RunTx runs fn inside a transaction, retrying on lock contention or ErrConflict
// up to the configured limit. fn may run more than once and must not have side
// effects outside the transaction.
func (db *DB) RunTx(ctx context.Context, fn func(*Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < db.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 10 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := db.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrTxExhausted, db.maxRetries, lastErr)
}

// attempt runs fn once in its own transaction.
func (db *DB) attempt(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx, db: db, now: db.nowMs(), seen: make(map[string]bool)}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	for _, snap := range tx.snapshots {
		if err := snap(); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		_ = sqlTx.Rollback()
		return fmt.Errorf("commit tx: %w", err)
	}
	db.publish(tx.events)
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (t *Tx) emit(kind string, payload any) {
	t.events = append(t.events, bus.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.UnixMilli(t.now),
		Payload:   payload,
	})
}

// touchConversation records a conversation change carrying the document as it
// stands at the end of the transaction. Repeated touches collapse into one event.
func (t *Tx) touchConversation(ctx context.Context, id string, typ ChangeType) {
	key := "c:" + id
	if t.seen[key] {
		return
	}
	t.seen[key] = true
	t.snapshots = append(t.snapshots, func() error {
		c, err := getConversation(ctx, t.tx, id)
		if err != nil {
			return err
		}
		kind := bus.ConversationModified
		if typ == ChangeAdded {
			kind = bus.ConversationAdded
		}
		t.emit(kind, ConversationChange{Type: typ, ID: id, Conversation: c})
		return nil
	})
}

// touchMessage records a message change in the same way.
func (t *Tx) touchMessage(ctx context.Context, convID, msgID string, typ ChangeType) {
	key := "m:" + convID + "/" + msgID
	if t.seen[key] {
		return
	}
	t.seen[key] = true
	t.snapshots = append(t.snapshots, func() error {
		m, err := getMessage(ctx, t.tx, convID, msgID)
		if err != nil {
			return err
		}
		kind := bus.MessageModified
		if typ == ChangeAdded {
			kind = bus.MessageAdded
		}
		t.emit(kind, MessageChange{Type: typ, Message: m})
		return nil
	})
}

// removedMessage records a message removal with the last known document.
func (t *Tx) removedMessage(m *Message) {
	t.emit(bus.MessageRemoved, MessageChange{Type: ChangeRemoved, Message: m})
}
