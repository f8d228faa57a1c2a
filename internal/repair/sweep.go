// Package repair runs the periodic unread-counter sweep. Counters that drifted
// from message statuses are recomputed from scratch.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/metrics"
)

// DefaultCron runs the sweep daily at 03:30.
const DefaultCron = "30 3 * * *"

// ErrInvalidCron is returned for a cron expression gronx rejects.
var ErrInvalidCron = errors.New("repair: invalid cron expression")

// Store recomputes drifted counters and reports how many conversations it fixed.
type Store interface {
	RecountAll(ctx context.Context) (int, error)
}

// Sweeper schedules RecountAll on a cron expression.
type Sweeper struct {
	db      Store
	cron    string
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runMu  sync.Mutex
}

// New validates cronExpr and creates a stopped sweeper. An empty expression
// uses DefaultCron.
func New(db Store, cronExpr string, m *metrics.Metrics, logger *zap.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCron, cronExpr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{db: db, cron: cronExpr, metrics: m, logger: logger, now: time.Now}, nil
}

// RunOnce performs a single sweep. Concurrent calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	start := s.now()
	n, err := s.db.RecountAll(ctx)
	s.metrics.RepairRun(err == nil, n)
	if err != nil {
		s.logger.Error("repair sweep failed", zap.Error(err))
		return n, fmt.Errorf("recount all: %w", err)
	}
	s.logger.Info("repair sweep done",
		zap.Int("repaired", n),
		zap.Duration("took", s.now().Sub(start)))
	return n, nil
}

// Next returns the next scheduled run after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Start runs the schedule until Stop or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("repair scheduler started", zap.String("cron", s.cron))
}

// Stop stops the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.logger.Error("repair next tick failed", zap.Error(err))
			next = s.now().Add(time.Minute)
		}
		timer := time.NewTimer(max(time.Until(next), 0))
		select {
		case <-timer.C:
			_, _ = s.RunOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
