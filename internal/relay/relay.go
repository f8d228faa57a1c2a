// Package relay bridges store change events between daemons sharing one store.
// Local conversation and message changes are published to a Redis channel and
// changes committed by other processes are republished on the local bus.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "chatsync.changes"

// Transport moves raw envelopes between processes.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

// envelope is the wire form of one change event.
type envelope struct {
	Origin       string                    `json:"origin"`
	ID           string                    `json:"id"`
	Kind         string                    `json:"kind"`
	Timestamp    int64                     `json:"ts"`
	Conversation *store.ConversationChange `json:"conversation,omitempty"`
	Message      *store.MessageChange      `json:"message,omitempty"`
}

// Relay forwards committed changes in both directions.
type Relay struct {
	bus       *bus.Bus
	transport Transport
	channel   string
	origin    string
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a relay with a fresh origin id.
func New(b *bus.Bus, t Transport, channel string, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		bus:       b,
		transport: t,
		channel:   channel,
		origin:    uuid.NewString(),
		logger:    logger,
	}
}

// Origin identifies this process on the channel.
func (r *Relay) Origin() string {
	return r.origin
}

// Start subscribes to the channel and to the local bus.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	inbound, closeSub, err := r.transport.Subscribe(ctx, r.channel)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.cancel = cancel
	local := r.bus.Subscribe("", 256, forwardable)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer local.Close()
		for {
			select {
			case evt := <-local.Events():
				r.forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := closeSub(); err != nil {
				r.logger.Debug("close relay subscription", zap.Error(err))
			}
		}()
		for {
			select {
			case raw, ok := <-inbound:
				if !ok {
					return
				}
				r.receive(raw)
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info("relay started", zap.String("channel", r.channel), zap.String("origin", r.origin))
	return nil
}

// Stop ends both directions and waits for them to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// forwardable selects committed store changes produced in this process.
// Pipeline-local events never leave the process.
func forwardable(evt bus.Event) bool {
	if evt.Origin != "" {
		return false
	}
	switch evt.Payload.(type) {
	case store.ConversationChange, store.MessageChange:
		return strings.HasPrefix(evt.Kind, "conversation.") || strings.HasPrefix(evt.Kind, "message.")
	}
	return false
}

func (r *Relay) forward(ctx context.Context, evt bus.Event) {
	env := envelope{
		Origin:    r.origin,
		ID:        evt.ID,
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case store.ConversationChange:
		env.Conversation = &p
	case store.MessageChange:
		env.Message = &p
	}
	raw, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("encode change", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	if err := r.transport.Publish(ctx, r.channel, raw); err != nil {
		r.logger.Warn("relay publish failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

func (r *Relay) receive(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("decode change", zap.Error(err))
		return
	}
	if env.Origin == r.origin || env.Origin == "" {
		return
	}
	evt := bus.Event{
		ID:        env.ID,
		Kind:      env.Kind,
		Timestamp: time.UnixMilli(env.Timestamp),
		Origin:    env.Origin,
	}
	switch {
	case env.Conversation != nil:
		evt.Payload = *env.Conversation
	case env.Message != nil:
		evt.Payload = *env.Message
	default:
		return
	}
	r.bus.Publish(evt)
}
