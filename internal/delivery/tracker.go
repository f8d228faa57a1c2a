// Package delivery advances peer messages through sent, delivered and read on
// behalf of the viewing user.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// DefaultReadDebounce is the delay between a read trigger and the read pass.
const DefaultReadDebounce = time.Second

// ErrPassInFlight is returned by MarkRead when a pass for the same conversation
// is already running. The request is dropped; the next trigger catches up.
var ErrPassInFlight = errors.New("delivery: read pass already running")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("delivery: tracker closed")

// Store is the subset of the document store used by the tracker.
type Store interface {
	ListPeerMessages(ctx context.Context, convID, viewerID string, statuses ...status.Status) ([]store.Message, error)
	AdvanceMessageStatus(ctx context.Context, convID, msgID, viewerID string, to status.Status) (bool, error)
	AdvanceLastMessageStatus(ctx context.Context, convID, viewerID string, to status.Status) (bool, error)
	MarkConversationRead(ctx context.Context, convID, viewerID string) error
}

type pendingRead struct {
	timer *time.Timer
	gen   uint64
}

// Tracker runs delivered and read passes and owns the debounced read timers.
type Tracker struct {
	db       Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]pendingRead
	running map[string]bool
	gen     uint64
	closed  bool
	wg      sync.WaitGroup
}

// NewTracker creates a tracker. A non-positive debounce uses DefaultReadDebounce.
func NewTracker(db Store, debounce time.Duration, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if debounce <= 0 {
		debounce = DefaultReadDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:       db,
		logger:   logger,
		metrics:  m,
		debounce: debounce,
		pending:  make(map[string]pendingRead),
		running:  make(map[string]bool),
	}
}

func key(convID, viewerID string) string {
	return convID + "\x00" + viewerID
}

// MarkDelivered advances the viewer's incoming sent messages to delivered and
// returns how many moved.
func (t *Tracker) MarkDelivered(ctx context.Context, convID, viewerID string) (int, error) {
	msgs, err := t.db.ListPeerMessages(ctx, convID, viewerID, status.Sent)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if t.advance(ctx, convID, m.ID, viewerID, status.Delivered) {
			n++
		}
	}
	t.advanceSnapshot(ctx, convID, viewerID, status.Delivered)
	return n, nil
}

// MarkRead advances every incoming message not yet read to read, stepping
// through delivered first, then brings the viewer's unread counter and
// watermark up to date. Failures on individual messages are logged and skipped.
func (t *Tracker) MarkRead(ctx context.Context, convID, viewerID string) (int, error) {
	k := key(convID, viewerID)
	t.mu.Lock()
	if t.running[k] {
		t.mu.Unlock()
		return 0, ErrPassInFlight
	}
	t.running[k] = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.running, k)
		t.mu.Unlock()
	}()

	msgs, err := t.db.ListPeerMessages(ctx, convID, viewerID, status.Sent, status.Delivered)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		ok := true
		for _, step := range status.Path(m.Status, status.Read) {
			if !t.advance(ctx, convID, m.ID, viewerID, step) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	if err := t.db.MarkConversationRead(ctx, convID, viewerID); err != nil {
		return n, err
	}
	t.advanceSnapshot(ctx, convID, viewerID, status.Read)
	return n, nil
}

// ScheduleRead arms the debounced read pass for the conversation, replacing any
// pass already pending for it.
func (t *Tracker) ScheduleRead(convID, viewerID string) {
	k := key(convID, viewerID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if p, ok := t.pending[k]; ok {
		p.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending[k] = pendingRead{
		gen: gen,
		timer: time.AfterFunc(t.debounce, func() {
			t.fire(k, gen, convID, viewerID)
		}),
	}
}

// Cancel drops the pending read pass of the conversation, if any.
func (t *Tracker) Cancel(convID, viewerID string) {
	k := key(convID, viewerID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[k]; ok {
		p.timer.Stop()
		delete(t.pending, k)
	}
}

// Pending reports whether a read pass is armed for the conversation.
func (t *Tracker) Pending(convID, viewerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key(convID, viewerID)]
	return ok
}

// Close cancels pending passes and waits for running ones.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for k, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, k)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) fire(k string, gen uint64, convID, viewerID string) {
	t.mu.Lock()
	p, ok := t.pending[k]
	if t.closed || !ok || p.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.pending, k)
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := t.MarkRead(ctx, convID, viewerID)
	switch {
	case errors.Is(err, ErrPassInFlight):
		t.logger.Debug("read pass dropped", zap.String("conversation_id", convID))
	case err != nil:
		t.logger.Warn("read pass failed", zap.String("conversation_id", convID), zap.Error(err))
	default:
		t.logger.Debug("read pass done", zap.String("conversation_id", convID), zap.Int("advanced", n))
	}
}

func (t *Tracker) advance(ctx context.Context, convID, msgID, viewerID string, to status.Status) bool {
	changed, err := t.db.AdvanceMessageStatus(ctx, convID, msgID, viewerID, to)
	if err != nil {
		t.logger.Warn("status transition failed",
			zap.String("conversation_id", convID), zap.String("message_id", msgID),
			zap.String("to", string(to)), zap.Error(err))
		return false
	}
	if changed {
		t.metrics.StatusTransition(string(to))
	}
	return true
}

func (t *Tracker) advanceSnapshot(ctx context.Context, convID, viewerID string, to status.Status) {
	if _, err := t.db.AdvanceLastMessageStatus(ctx, convID, viewerID, to); err != nil && !errors.Is(err, store.ErrNotFound) {
		t.logger.Warn("last message status update failed",
			zap.String("conversation_id", convID), zap.Error(err))
	}
}
