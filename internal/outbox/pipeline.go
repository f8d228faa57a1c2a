// Package outbox implements the optimistic send pipeline: a message is echoed
// locally, stored, accounted for in the peer's unread ledger and announced to
// the peer, or rolled back so the caller can restore its draft.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/blob"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/moderation"
	"github.com/matheus3301/chatsync/internal/provision"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/route"
	"github.com/matheus3301/chatsync/internal/store"
)

// Store is the subset of the document store the pipeline writes to.
type Store interface {
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
	IncrementUnread(ctx context.Context, convID, peerID, msgID string, lm store.LastMessage) error
	ApplySendLedger(ctx context.Context, tmpl *store.Conversation, pairKey, peerID, msgID string, lm store.LastMessage) error
	RemoveMessage(ctx context.Context, convID, msgID string) error
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Outcome classifies a send result.
type Outcome int

const (
	Sent Outcome = iota
	Blocked
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Blocked:
		return "blocked"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ErrBlocked marks content rejected by moderation.
var ErrBlocked = errors.New("outbox: content rejected")

// Draft is what the caller needs to restore its input after a failed send.
type Draft struct {
	SendID  string
	Payload store.Payload
	ReplyTo *store.ReplyRef
	// Media holds the raw bytes of a media send that never reached storage.
	Media   []byte
	Caption string
}

// Result is the outcome of one send.
type Result struct {
	Outcome Outcome
	Message *store.Message
	Draft   *Draft
	Err     error
	// LedgerDegraded is set when the message was kept but its unread counter and
	// last message snapshot could not be updated.
	LedgerDegraded bool
}

// SendRequest is a text, gift or system send. SendID identifies the logical
// send: retrying with the same id never creates a second message or counts
// twice. An empty SendID is replaced with a fresh one.
type SendRequest struct {
	SendID  string
	Payload store.Payload
	ReplyTo *store.ReplyRef
}

// MediaRequest is an image or audio send whose bytes are uploaded first.
type MediaRequest struct {
	SendID     string
	Kind       store.PayloadKind
	Data       []byte
	Caption    string
	DurationMs int64
	ReplyTo    *store.ReplyRef
}

// Pipeline sends messages.
type Pipeline struct {
	db       Store
	checker  moderation.Checker
	uploader blob.Uploader
	notifier push.Notifier
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// Deps groups the pipeline collaborators. Nil collaborators fall back to
// permissive defaults.
type Deps struct {
	Store    Store
	Checker  moderation.Checker
	Uploader blob.Uploader
	Notifier push.Notifier
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewPipeline creates a send pipeline.
func NewPipeline(d Deps) *Pipeline {
	p := &Pipeline{
		db:       d.Store,
		checker:  d.Checker,
		uploader: d.Uploader,
		notifier: d.Notifier,
		bus:      d.Bus,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      d.Now,
	}
	if p.checker == nil {
		p.checker = moderation.AllowAll{}
	}
	if p.uploader == nil {
		p.uploader = blob.Unavailable{}
	}
	if p.notifier == nil {
		p.notifier = push.Nop{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Send runs the pipeline for a non-media payload.
func (p *Pipeline) Send(ctx context.Context, ref provision.Ref, req SendRequest) Result {
	if req.SendID == "" {
		req.SendID = uuid.NewString()
	}
	draft := &Draft{SendID: req.SendID, Payload: req.Payload, ReplyTo: req.ReplyTo}
	if err := req.Payload.Validate(); err != nil {
		return p.finish(Result{Outcome: Failed, Draft: draft, Err: err})
	}
	if res, blocked := p.moderate(ctx, req.Payload.ModerationText(), draft); blocked {
		return res
	}
	return p.commit(ctx, ref, req.SendID, req.Payload, req.ReplyTo, draft)
}

// SendMedia uploads the bytes, then runs the pipeline with the resulting URL. An
// upload failure aborts before anything is written.
func (p *Pipeline) SendMedia(ctx context.Context, ref provision.Ref, req MediaRequest) Result {
	if req.SendID == "" {
		req.SendID = uuid.NewString()
	}
	draft := &Draft{SendID: req.SendID, ReplyTo: req.ReplyTo, Media: req.Data, Caption: req.Caption}
	if req.Kind != store.PayloadImage && req.Kind != store.PayloadAudio {
		return p.finish(Result{Outcome: Failed, Draft: draft, Err: fmt.Errorf("unsupported media kind %q", req.Kind)})
	}
	if res, blocked := p.moderate(ctx, req.Caption, draft); blocked {
		return res
	}
	url, err := p.uploader.Upload(ctx, req.Data)
	if err != nil {
		p.logger.Warn("media upload failed", zap.String("send_id", req.SendID), zap.Error(err))
		return p.finish(Result{Outcome: Failed, Draft: draft, Err: fmt.Errorf("upload media: %w", err)})
	}
	payload := store.ImagePayload(url, req.Caption)
	if req.Kind == store.PayloadAudio {
		payload = store.AudioPayload(url, req.DurationMs)
	}
	draft.Payload = payload
	return p.commit(ctx, ref, req.SendID, payload, req.ReplyTo, draft)
}

// Close waits for in-flight notifications.
func (p *Pipeline) Close() {
	p.wg.Wait()
}

func (p *Pipeline) moderate(ctx context.Context, text string, draft *Draft) (Result, bool) {
	if text == "" {
		return Result{}, false
	}
	allowed, err := p.checker.CheckContent(ctx, text)
	if err != nil {
		return p.finish(Result{Outcome: Failed, Draft: draft, Err: fmt.Errorf("check content: %w", err)}), true
	}
	if !allowed {
		return p.finish(Result{Outcome: Blocked, Draft: draft, Err: ErrBlocked}), true
	}
	return Result{}, false
}

func (p *Pipeline) commit(ctx context.Context, ref provision.Ref, sendID string, payload store.Payload, replyTo *store.ReplyRef, draft *Draft) Result {
	msg := &store.Message{
		ID:             sendID,
		ConversationID: ref.ID,
		SenderID:       ref.SelfID,
		CreatedAt:      p.now().UnixMilli(),
		Payload:        payload,
		ReplyTo:        replyTo,
	}
	p.publish(bus.MessageLocalEcho, msg)

	if _, err := p.db.InsertMessage(ctx, msg); err != nil {
		p.logger.Error("append message failed",
			zap.String("conversation_id", ref.ID), zap.String("send_id", sendID), zap.Error(err))
		p.publish(bus.MessageRolledBack, msg)
		return p.finish(Result{Outcome: Failed, Draft: draft, Err: fmt.Errorf("append message: %w", err)})
	}

	if err := p.advanceLedger(ctx, ref, msg); err != nil {
		if rmErr := p.db.RemoveMessage(ctx, ref.ID, msg.ID); rmErr != nil {
			p.logger.Error("ledger update failed and message kept",
				zap.String("conversation_id", ref.ID), zap.String("send_id", sendID),
				zap.Error(err), zap.NamedError("remove_error", rmErr))
			p.publish(bus.MessageSendAck, msg)
			p.dispatchPush(ref, msg)
			return p.finish(Result{Outcome: Sent, Message: msg, Err: err, LedgerDegraded: true})
		}
		p.logger.Warn("ledger update failed, send rolled back",
			zap.String("conversation_id", ref.ID), zap.String("send_id", sendID), zap.Error(err))
		p.publish(bus.MessageRolledBack, msg)
		return p.finish(Result{Outcome: Failed, Draft: draft, Err: fmt.Errorf("update ledger: %w", err)})
	}

	p.publish(bus.MessageSendAck, msg)
	p.dispatchPush(ref, msg)
	return p.finish(Result{Outcome: Sent, Message: msg})
}

// advanceLedger tries the atomic increment once and falls back to the
// create-or-increment transaction on any error.
func (p *Pipeline) advanceLedger(ctx context.Context, ref provision.Ref, msg *store.Message) error {
	snap := msg.Snapshot()
	err := p.db.IncrementUnread(ctx, ref.ID, ref.PeerID, msg.ID, snap)
	if err == nil {
		return nil
	}
	p.logger.Info("atomic increment failed, using transaction",
		zap.String("conversation_id", ref.ID), zap.Error(err))
	tmpl, pair := provision.Template(ref)
	err = p.db.ApplySendLedger(ctx, tmpl, pair, ref.PeerID, msg.ID, snap)
	p.metrics.LedgerFallback(err == nil)
	return err
}

func (p *Pipeline) dispatchPush(ref provision.Ref, msg *store.Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		title := "New message"
		if u, err := p.db.GetUser(ctx, ref.SelfID); err == nil && u.DisplayName != "" {
			title = u.DisplayName
		}
		r := route.ForConversation(ref.Kind == store.KindContextual, ref.ID, ref.SelfID)
		err := p.notifier.Notify(ctx, ref.PeerID, push.Notification{
			Title: title,
			Body:  msg.Payload.Summary(),
			Data:  r.Data(),
		})
		if err != nil {
			p.logger.Debug("push not delivered",
				zap.String("conversation_id", ref.ID), zap.String("peer_id", ref.PeerID), zap.Error(err))
		}
	}()
}

func (p *Pipeline) publish(kind string, msg *store.Message) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: p.now(),
		Payload:   *msg,
	})
}

func (p *Pipeline) finish(r Result) Result {
	p.metrics.SendOutcome(r.Outcome.String())
	return r
}
