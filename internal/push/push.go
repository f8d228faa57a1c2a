// Package push delivers best-effort notifications to a user's devices.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/matheus3301/chatsync/internal/store"
)

var (
	// ErrNoToken is returned when the recipient has no registered device.
	ErrNoToken = errors.New("push: recipient has no device token")
	// ErrRateLimited is returned when the recipient exceeded its notification budget.
	ErrRateLimited = errors.New("push: rate limited")
)

// Notification is the content of one push.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier sends a notification to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, Notification) error { return nil }

// Messenger is the subset of the FCM client used by FCM.
type Messenger interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// TokenSource resolves a user's device token.
type TokenSource interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Options configures an FCM notifier.
type Options struct {
	// RPS and Burst bound notifications per recipient.
	RPS   float64
	Burst int
	// MaxLimiters bounds the per-recipient limiter table. Defaults to 1024.
	MaxLimiters int
}

// FCM sends notifications through Firebase Cloud Messaging.
type FCM struct {
	client Messenger
	tokens TokenSource
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFCMFromCredentials initializes a Firebase app from a service account file.
func NewFCMFromCredentials(ctx context.Context, credentialsFile string, tokens TokenSource, opts Options, logger *zap.Logger) (*FCM, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return NewFCM(client, tokens, opts, logger), nil
}

// NewFCM builds a notifier over an existing messaging client.
func NewFCM(client Messenger, tokens TokenSource, opts Options, logger *zap.Logger) *FCM {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.MaxLimiters <= 0 {
		opts.MaxLimiters = 1024
	}
	return &FCM{
		client:   client,
		tokens:   tokens,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify looks up the recipient's token and sends one message.
func (f *FCM) Notify(ctx context.Context, userID string, n Notification) error {
	if !f.allow(userID) {
		return ErrRateLimited
	}
	u, err := f.tokens.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoToken
	}
	if err != nil {
		return fmt.Errorf("lookup token for %s: %w", userID, err)
	}
	if u.PushToken == "" {
		return ErrNoToken
	}
	id, err := f.client.Send(ctx, &messaging.Message{
		Token: u.PushToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	})
	if err != nil {
		return fmt.Errorf("send push to %s: %w", userID, err)
	}
	f.logger.Debug("push sent", zap.String("user_id", userID), zap.String("fcm_id", id))
	return nil
}

func (f *FCM) allow(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	l, ok := f.limiters[userID]
	if !ok {
		if len(f.limiters) >= f.opts.MaxLimiters {
			f.evict(now)
		}
		l = rate.NewLimiter(rate.Limit(f.opts.RPS), f.opts.Burst)
		f.limiters[userID] = l
	}
	return l.AllowN(now, 1)
}

// evict drops limiters whose bucket has refilled, since a fresh limiter behaves
// the same. If every recipient is still throttled, the fullest bucket goes.
func (f *FCM) evict(now time.Time) {
	full := float64(f.opts.Burst)
	var (
		fullest string
		most    = -1.0
	)
	for id, l := range f.limiters {
		tokens := l.TokensAt(now)
		if tokens >= full {
			delete(f.limiters, id)
			continue
		}
		if tokens > most {
			fullest, most = id, tokens
		}
	}
	if len(f.limiters) >= f.opts.MaxLimiters {
		delete(f.limiters, fullest)
	}
}
