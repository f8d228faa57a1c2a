// Package sync keeps open conversation views in step with the store: opening
// a view marks incoming messages delivered and arms the debounced read pass,
// and messages arriving while a view is open re-trigger both.
package sync

import (
	"context"
	"errors"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// ErrNotStarted is returned by OpenView before Start.
var ErrNotStarted = errors.New("sync: engine not started")

// Tracker is the delivery state machine driven by the engine.
type Tracker interface {
	MarkDelivered(ctx context.Context, convID, viewerID string) (int, error)
	ScheduleRead(convID, viewerID string)
	Cancel(convID, viewerID string)
}

// Engine owns the open views of one viewing user.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	tracker  Tracker
	viewerID string
	logger   *zap.Logger

	mu      gosync.Mutex
	views   map[string]int
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewEngine creates a view engine for viewerID.
func NewEngine(db *store.DB, b *bus.Bus, tracker Tracker, viewerID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		bus:      b,
		tracker:  tracker,
		viewerID: viewerID,
		logger:   logger,
		views:    make(map[string]int),
	}
}

// Start subscribes to new messages on the bus.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.started = true
	sub := e.bus.Subscribe(bus.MessageAdded, 256, nil)

	go func() {
		defer close(e.done)
		defer sub.Close()
		for {
			select {
			case evt := <-sub.Events():
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and cancels pending read passes of open views.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.cancel()
	for convID := range e.views {
		e.tracker.Cancel(convID, e.viewerID)
		delete(e.views, convID)
	}
	done := e.done
	e.mu.Unlock()
	<-done
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	ch, ok := evt.Payload.(store.MessageChange)
	if !ok || ch.Message == nil || ch.Message.SenderID == e.viewerID {
		return
	}
	convID := ch.Message.ConversationID
	if !e.isOpen(convID) {
		return
	}
	e.catchUp(ctx, convID)
}

// OpenView marks the conversation as visible to the viewer. Callers must close
// the returned view when the conversation leaves the screen.
func (e *Engine) OpenView(ctx context.Context, convID string) (*View, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	e.views[convID]++
	e.mu.Unlock()

	e.catchUp(ctx, convID)
	return &View{engine: e, convID: convID, sub: e.db.WatchMessages(convID, 64)}, nil
}

// OpenViews lists the conversations currently on screen.
func (e *Engine) OpenViews() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.views))
	for id := range e.views {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) isOpen(convID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.views[convID] > 0
}

func (e *Engine) catchUp(ctx context.Context, convID string) {
	if _, err := e.tracker.MarkDelivered(ctx, convID, e.viewerID); err != nil {
		e.logger.Warn("mark delivered failed", zap.String("conversation_id", convID), zap.Error(err))
	}
	e.tracker.ScheduleRead(convID, e.viewerID)
}

func (e *Engine) release(convID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.views[convID]
	if !ok {
		return
	}
	if n <= 1 {
		delete(e.views, convID)
		e.tracker.Cancel(convID, e.viewerID)
		return
	}
	e.views[convID] = n - 1
}

// View is the handle of one open conversation.
type View struct {
	engine *Engine
	convID string
	sub    *bus.Subscription
	once   gosync.Once
}

// ConversationID returns the id of the viewed conversation.
func (v *View) ConversationID() string {
	return v.convID
}

// Messages returns a page of the conversation, newest first.
func (v *View) Messages(ctx context.Context, beforeTs int64, limit int) ([]store.Message, error) {
	return v.engine.db.ListMessages(ctx, v.convID, v.engine.viewerID, beforeTs, limit)
}

// Events streams message changes of the conversation while the view is open.
func (v *View) Events() <-chan bus.Event {
	return v.sub.Events()
}

// Close releases the view and its subscription. A pending read pass is cancelled
// once no other view of the conversation remains. Safe to call more than once.
func (v *View) Close() {
	v.once.Do(func() {
		v.sub.Close()
		v.engine.release(v.convID)
	})
}
