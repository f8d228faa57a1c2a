package api

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/provision"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

const (
	defaultMessageLimit = 50
	defaultSearchLimit  = 20
)

// Service implements ChatSyncServer for one viewing user.
type Service struct {
	viewerID  string
	db        *store.DB
	feed      *feed.Aggregator
	engine    *intsync.Engine
	pipeline  *outbox.Pipeline
	bus       *bus.Bus
	directory *directory.Cache
	logger    *zap.Logger

	mu     sync.Mutex
	views  map[string]*intsync.View
	cancel context.CancelFunc
	done   chan struct{}
}

// ServiceDeps are the components the service exposes.
type ServiceDeps struct {
	DB       *store.DB
	Feed     *feed.Aggregator
	Engine   *intsync.Engine
	Pipeline *outbox.Pipeline
	Bus      *bus.Bus
	// Directory is optional; PutUsers drops its cached entries when set.
	Directory *directory.Cache
	Logger    *zap.Logger
}

// NewService creates the service for viewerID.
func NewService(viewerID string, d ServiceDeps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		viewerID:  viewerID,
		db:        d.DB,
		feed:      d.Feed,
		engine:    d.Engine,
		pipeline:  d.Pipeline,
		bus:       d.Bus,
		directory: d.Directory,
		logger:    logger,
		views:     make(map[string]*intsync.View),
	}
}

// Start forwards feed change signals to the bus so every WatchFeed stream sees them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-s.feed.Changes():
				s.bus.Publish(bus.Event{Kind: bus.FeedChanged})
			case <-ctx.Done():
				return
			}
		}
	}(s.done)
}

// Stop ends forwarding and closes every open view.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	views := s.views
	s.views = make(map[string]*intsync.View)
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := s.resolveRef(ctx, str(in, "conversation_id"), str(in, "peer_id"))
	if err != nil {
		return nil, err
	}
	replyTo, err := s.replyRef(ctx, ref.ID, str(in, "reply_to"))
	if err != nil {
		return nil, err
	}

	var res outbox.Result
	kind := store.PayloadKind(str(in, "kind"))
	switch kind {
	case "", store.PayloadText:
		res = s.pipeline.Send(ctx, ref, outbox.SendRequest{
			SendID:  str(in, "send_id"),
			Payload: store.TextPayload(str(in, "text")),
			ReplyTo: replyTo,
		})
	case store.PayloadGift:
		res = s.pipeline.Send(ctx, ref, outbox.SendRequest{
			SendID:  str(in, "send_id"),
			Payload: store.GiftPayload(str(in, "gift_id"), str(in, "gift_name")),
			ReplyTo: replyTo,
		})
	case store.PayloadImage, store.PayloadAudio:
		data, err := base64.StdEncoding.DecodeString(str(in, "data"))
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "media data: %v", err)
		}
		res = s.pipeline.SendMedia(ctx, ref, outbox.MediaRequest{
			SendID:     str(in, "send_id"),
			Kind:       kind,
			Data:       data,
			Caption:    str(in, "caption"),
			DurationMs: num(in, "duration_ms"),
			ReplyTo:    replyTo,
		})
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unsupported payload kind %q", kind)
	}

	out := map[string]any{
		"outcome":         res.Outcome.String(),
		"conversation_id": ref.ID,
		"ledger_degraded": res.LedgerDegraded,
	}
	if res.Message != nil {
		out["message"] = messageMap(res.Message)
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	if res.Draft != nil {
		out["send_id"] = res.Draft.SendID
		if res.Draft.Payload.Text != nil {
			out["draft_text"] = res.Draft.Payload.Text.Body
		}
	}
	return structpb.NewStruct(out)
}

func (s *Service) ListFeed(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.feedSnapshot()
}

func (s *Service) feedSnapshot() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"entries": entriesList(s.feed.Entries()),
		"has_more": map[string]any{
			string(store.KindDirect):     s.feed.HasMore(store.KindDirect),
			string(store.KindContextual): s.feed.HasMore(store.KindContextual),
		},
	})
}

func (s *Service) LoadMore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	kind := store.Kind(str(in, "kind"))
	if kind != store.KindDirect && kind != store.KindContextual {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown kind %q", kind)
	}
	added, err := s.feed.LoadMore(ctx, kind)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"added":    added,
		"has_more": s.feed.HasMore(kind),
	})
}

func (s *Service) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.feed.Refresh(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.feedSnapshot()
}

func (s *Service) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID := str(in, "conversation_id")
	if _, err := s.resolveRef(ctx, convID, ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	v, ok := s.views[convID]
	s.mu.Unlock()
	if !ok {
		opened, err := s.engine.OpenView(ctx, convID)
		if err != nil {
			return nil, toStatus(err)
		}
		s.mu.Lock()
		if existing, raced := s.views[convID]; raced {
			opened.Close()
			v = existing
		} else {
			s.views[convID] = opened
			v = opened
		}
		s.mu.Unlock()
	}

	limit := int(num(in, "limit"))
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	var msgs []store.Message
	var err error
	if since := num(in, "since"); since > 0 {
		msgs, err = s.db.ListMessagesSince(ctx, convID, s.viewerID, since, limit)
	} else {
		msgs, err = v.Messages(ctx, num(in, "before"), limit)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"conversation_id": convID,
		"messages":        messagesList(msgs),
		"has_more":        len(msgs) == limit,
	})
}

func (s *Service) CloseConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convID := str(in, "conversation_id")
	s.mu.Lock()
	v, ok := s.views[convID]
	delete(s.views, convID)
	s.mu.Unlock()
	if ok {
		v.Close()
	}
	return structpb.NewStruct(map[string]any{"closed": ok})
}

func (s *Service) Pin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.mutate(ctx, in, s.feed.Pin)
}

func (s *Service) Unpin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.mutate(ctx, in, s.feed.Unpin)
}

func (s *Service) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.mutate(ctx, in, s.feed.Delete)
}

func (s *Service) mutate(ctx context.Context, in *structpb.Struct, fn func(context.Context, string) error) (*structpb.Struct, error) {
	convID := str(in, "conversation_id")
	if convID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := fn(ctx, convID); err != nil {
		return nil, toStatus(err)
	}
	return s.feedSnapshot()
}

func (s *Service) StartConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	peerID := str(in, "peer_id")
	if peerID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "peer_id is required")
	}
	var (
		ref provision.Ref
		err error
	)
	if contextID := str(in, "context_id"); contextID != "" {
		ref, err = s.feed.OpenContextual(ctx, peerID, contextID, num(in, "expires_at"))
	} else {
		ref, err = s.feed.Open(ctx, peerID)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"conversation_id": ref.ID,
		"kind":            string(ref.Kind),
		"peer_id":         ref.PeerID,
	})
}

func (s *Service) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit := int(num(in, "limit"))
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	results, err := s.db.SearchMessages(ctx, s.viewerID, str(in, "conversation_id"), str(in, "query"), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	list := make([]any, 0, len(results))
	for i := range results {
		list = append(list, map[string]any{
			"message": messageMap(&results[i].Message),
			"snippet": results[i].Snippet,
		})
	}
	return structpb.NewStruct(map[string]any{"results": list})
}

// WatchFeed sends the current feed, then a fresh snapshot after every change.
func (s *Service) WatchFeed(_ *structpb.Struct, stream grpc.ServerStream) error {
	sub := s.bus.Subscribe(bus.FeedChanged, 1, nil)
	defer sub.Close()

	send := func() error {
		snap, err := s.feedSnapshot()
		if err != nil {
			return err
		}
		return stream.SendMsg(snap)
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-sub.Events():
			if err := send(); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// resolveRef builds the send reference of an existing conversation the viewer
// belongs to, or provisions the direct conversation with peerID.
func (s *Service) resolveRef(ctx context.Context, convID, peerID string) (provision.Ref, error) {
	if convID == "" {
		if peerID == "" {
			return provision.Ref{}, grpcstatus.Error(codes.InvalidArgument, "conversation_id or peer_id is required")
		}
		ref, err := s.feed.Open(ctx, peerID)
		if err != nil {
			return provision.Ref{}, toStatus(err)
		}
		return ref, nil
	}
	c, err := s.db.GetConversation(ctx, convID)
	if err != nil {
		return provision.Ref{}, toStatus(err)
	}
	if c.Member(s.viewerID) == nil {
		return provision.Ref{}, grpcstatus.Errorf(codes.PermissionDenied, "not a member of %s", convID)
	}
	ref := provision.Ref{ID: c.ID, Kind: c.Kind, SelfID: s.viewerID, ContextID: c.ContextID, ExpiresAt: c.ExpiresAt}
	if p := c.Peer(s.viewerID); p != nil {
		ref.PeerID = p.UserID
	}
	return ref, nil
}

func (s *Service) replyRef(ctx context.Context, convID, msgID string) (*store.ReplyRef, error) {
	if msgID == "" {
		return nil, nil
	}
	m, err := s.db.GetMessage(ctx, convID, msgID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &store.ReplyRef{MessageID: m.ID, SenderID: m.SenderID, Summary: m.Payload.Summary()}, nil
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, feed.ErrUnknownEntry):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrForbidden):
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, store.ErrNotEditable):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, provision.ErrProvisionFailed), errors.Is(err, store.ErrTxExhausted):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, feed.ErrClosed), errors.Is(err, intsync.ErrNotStarted):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
