// Package feed merges a viewer's direct and contextual conversations into one
// sorted, paginated feed kept current by store change events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/provision"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	DefaultPageSize       = 30
	DefaultSubscribeBatch = 10
	DefaultSummaryTTL     = 24 * time.Hour
)

var (
	// ErrClosed is returned by operations on a closed aggregator.
	ErrClosed = errors.New("feed: aggregator closed")
	// ErrUnknownEntry is returned when an operation names a conversation not in the feed.
	ErrUnknownEntry = errors.New("feed: conversation not in feed")
)

// Kinds lists the collections merged into the feed.
var Kinds = []store.Kind{store.KindDirect, store.KindContextual}

// Store is the subset of the store the aggregator reads and mutates.
type Store interface {
	ListConversations(ctx context.Context, q store.ConversationQuery) ([]store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	WatchConversations(ids []string, bufSize int) *bus.Subscription
	SetPinned(ctx context.Context, convID, userID string, pinned bool) error
	HideConversation(ctx context.Context, convID, userID string) error
	UpdatePeerSummary(ctx context.Context, convID string, u store.User) error
}

// Directory resolves peer summaries that are missing or stale.
type Directory interface {
	GetUsers(ctx context.Context, ids []string) (map[string]store.User, error)
}

// Provisioner creates conversations on the cold-start path.
type Provisioner interface {
	EnsureDirect(ctx context.Context, selfID, peerID string) (provision.Ref, error)
	EnsureContextual(ctx context.Context, selfID, peerID, contextID string, expiresAt int64) (provision.Ref, error)
}

// Options tunes paging and the live layer.
type Options struct {
	PageSize       int
	SubscribeBatch int
	SummaryTTL     time.Duration
	Now            func() time.Time
}

// Deps are the collaborators of an Aggregator. Directory, Provisioner and
// Metrics may be nil.
type Deps struct {
	Store       Store
	Directory   Directory
	Provisioner Provisioner
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type kindPage struct {
	cursor store.Cursor
	more   bool
}

// Aggregator is the feed of one viewing user. All state is guarded by mu, and
// results of asynchronous work are applied only if the generation they were
// started under is still current.
type Aggregator struct {
	db       Store
	dir      Directory
	prov     Provisioner
	metrics  *metrics.Metrics
	logger   *zap.Logger
	viewerID string
	opts     Options

	mu      sync.Mutex
	entries map[string]Entry
	pages   map[store.Kind]kindPage
	live    map[string]bool
	subs    []*bus.Subscription
	stop    chan struct{}
	gen     uint64
	closed  bool
	wg      sync.WaitGroup
	changes chan struct{}
}

// New creates an empty aggregator for viewerID. Call Load to populate it.
func New(viewerID string, deps Deps, opts Options) *Aggregator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.SubscribeBatch <= 0 {
		opts.SubscribeBatch = DefaultSubscribeBatch
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = DefaultSummaryTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		db:       deps.Store,
		dir:      deps.Directory,
		prov:     deps.Provisioner,
		metrics:  deps.Metrics,
		logger:   logger.With(zap.String("viewer_id", viewerID)),
		viewerID: viewerID,
		opts:     opts,
		entries:  make(map[string]Entry),
		pages:    make(map[store.Kind]kindPage),
		live:     make(map[string]bool),
		changes:  make(chan struct{}, 1),
	}
}

func (a *Aggregator) nowMs() int64 {
	return a.opts.Now().UnixMilli()
}

// Load fetches the first page of both kinds concurrently, replaces the feed
// and subscribes to every conversation of those pages. Calling Load again
// discards the previous state first.
func (a *Aggregator) Load(ctx context.Context) error {
	gen, err := a.reset()
	if err != nil {
		return err
	}

	pages := make([][]store.Conversation, len(Kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range Kinds {
		g.Go(func() error {
			convs, err := a.db.ListConversations(gctx, store.ConversationQuery{
				UserID: a.viewerID,
				Kind:   kind,
				Limit:  a.opts.PageSize,
			})
			if err != nil {
				return fmt.Errorf("list %s conversations: %w", kind, err)
			}
			pages[i] = convs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var all []store.Conversation
	for _, p := range pages {
		all = append(all, p...)
	}
	a.resolveSummaries(ctx, all)
	now := a.nowMs()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if gen != a.gen {
		// A newer Load or Refresh owns the feed.
		return nil
	}
	var ids []string
	for i, kind := range Kinds {
		a.pages[kind] = pageState(pages[i], a.opts.PageSize)
		for j := range pages[i] {
			c := &pages[i][j]
			ids = append(ids, c.ID)
			if e, ok := project(c, a.viewerID, now); ok {
				e.Live = true
				a.entries[c.ID] = e
			}
		}
	}
	a.subscribeLocked(ids)
	a.notify()
	a.logger.Debug("feed loaded", zap.Int("entries", len(a.entries)), zap.Int("live", len(a.live)))
	return nil
}

// Refresh tears down every live subscription, resets pagination and reloads.
func (a *Aggregator) Refresh(ctx context.Context) error {
	return a.Load(ctx)
}

// LoadMore fetches the next page of kind. Entries it adds are static: they are
// not subscribed to and only change on Refresh. It returns the number of
// entries added; zero with a nil error means the kind is exhausted.
func (a *Aggregator) LoadMore(ctx context.Context, kind store.Kind) (int, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	page, ok := a.pages[kind]
	gen := a.gen
	a.mu.Unlock()
	if !ok || !page.more {
		return 0, nil
	}

	convs, err := a.db.ListConversations(ctx, store.ConversationQuery{
		UserID: a.viewerID,
		Kind:   kind,
		After:  page.cursor,
		Limit:  a.opts.PageSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list %s conversations: %w", kind, err)
	}
	a.resolveSummaries(ctx, convs)
	now := a.nowMs()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}
	if gen != a.gen || a.pages[kind].cursor != page.cursor {
		return 0, nil
	}
	a.pages[kind] = pageState(convs, a.opts.PageSize)
	added := 0
	for i := range convs {
		if _, exists := a.entries[convs[i].ID]; exists {
			continue
		}
		if e, ok := project(&convs[i], a.viewerID, now); ok {
			a.entries[e.ConversationID] = e
			added++
		}
	}
	if added > 0 {
		a.notify()
	}
	return added, nil
}

func pageState(convs []store.Conversation, pageSize int) kindPage {
	p := kindPage{more: len(convs) >= pageSize}
	if n := len(convs); n > 0 {
		p.cursor = store.Cursor{UpdatedAt: convs[n-1].UpdatedAt, ID: convs[n-1].ID}
	}
	return p
}

// HasMore reports whether LoadMore may still return entries of kind.
func (a *Aggregator) HasMore(kind store.Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[kind].more
}

// Entries returns the current feed, sorted. Contextual conversations that
// expired since they were loaded are left out.
func (a *Aggregator) Entries() []Entry {
	now := a.nowMs()
	a.mu.Lock()
	out := make([]Entry, 0, len(a.entries))
	for _, e := range a.entries {
		if expired(e, now) {
			continue
		}
		out = append(out, e)
	}
	a.mu.Unlock()
	sortEntries(out)
	return out
}

// Entry returns the feed row of one conversation.
func (a *Aggregator) Entry(convID string) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[convID]
	return e, ok
}

// Changes signals after every mutation of the feed. Signals are coalesced.
func (a *Aggregator) Changes() <-chan struct{} {
	return a.changes
}

// IsLive reports whether convID is covered by a live subscription.
func (a *Aggregator) IsLive(convID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[convID]
}

// Pin pins the conversation for the viewer.
func (a *Aggregator) Pin(ctx context.Context, convID string) error {
	return a.setPinned(ctx, convID, true)
}

// Unpin unpins the conversation for the viewer.
func (a *Aggregator) Unpin(ctx context.Context, convID string) error {
	return a.setPinned(ctx, convID, false)
}

func (a *Aggregator) setPinned(ctx context.Context, convID string, pinned bool) error {
	prev, err := a.patch(convID, func(e *Entry) { e.Pinned = pinned })
	if err != nil {
		return err
	}
	if err := a.db.SetPinned(ctx, convID, a.viewerID, pinned); err != nil {
		a.restore(convID, prev)
		return fmt.Errorf("set pinned %s: %w", convID, err)
	}
	return nil
}

// Delete hides the conversation from the viewer's feed. The peer is not
// affected, and a later message brings the conversation back.
func (a *Aggregator) Delete(ctx context.Context, convID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	prev, ok := a.entries[convID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownEntry
	}
	delete(a.entries, convID)
	a.notify()
	a.mu.Unlock()

	if err := a.db.HideConversation(ctx, convID, a.viewerID); err != nil {
		a.restore(convID, prev)
		return fmt.Errorf("hide %s: %w", convID, err)
	}
	return nil
}

func (a *Aggregator) patch(convID string, fn func(*Entry)) (Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Entry{}, ErrClosed
	}
	e, ok := a.entries[convID]
	if !ok {
		return Entry{}, ErrUnknownEntry
	}
	prev := e
	fn(&e)
	a.entries[convID] = e
	a.notify()
	return prev, nil
}

func (a *Aggregator) restore(convID string, prev Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.entries[convID] = prev
	a.notify()
}

// Open provisions the direct conversation with peerID and makes sure it is
// watched, so that its first message shows up in the feed.
func (a *Aggregator) Open(ctx context.Context, peerID string) (provision.Ref, error) {
	if a.prov == nil {
		return provision.Ref{}, errors.New("feed: no provisioner")
	}
	ref, err := a.prov.EnsureDirect(ctx, a.viewerID, peerID)
	if err != nil {
		return provision.Ref{}, err
	}
	return ref, a.track(ctx, ref.ID)
}

// OpenContextual is Open for a conversation bound to contextID.
func (a *Aggregator) OpenContextual(ctx context.Context, peerID, contextID string, expiresAt int64) (provision.Ref, error) {
	if a.prov == nil {
		return provision.Ref{}, errors.New("feed: no provisioner")
	}
	ref, err := a.prov.EnsureContextual(ctx, a.viewerID, peerID, contextID, expiresAt)
	if err != nil {
		return provision.Ref{}, err
	}
	return ref, a.track(ctx, ref.ID)
}

func (a *Aggregator) track(ctx context.Context, convID string) error {
	c, err := a.db.GetConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("get conversation %s: %w", convID, err)
	}
	now := a.nowMs()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if !a.live[convID] {
		a.subscribeLocked([]string{convID})
	}
	if e, ok := project(c, a.viewerID, now); ok {
		if old, exists := a.entries[convID]; exists && old.Peer.DisplayName != "" && e.Peer.DisplayName == "" {
			e.Peer = old.Peer
		}
		e.Live = true
		a.entries[convID] = e
		a.notify()
	}
	return nil
}

// Close tears down the live layer. It blocks until every watcher has exited.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.gen++
	a.teardownLocked()
	a.mu.Unlock()
	a.wg.Wait()
}

// reset bumps the generation, drops the live layer and clears the feed. It
// waits for the previous watchers so no stale patch lands after it returns.
func (a *Aggregator) reset() (uint64, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	a.gen++
	gen := a.gen
	a.teardownLocked()
	a.entries = make(map[string]Entry)
	a.pages = make(map[store.Kind]kindPage)
	a.mu.Unlock()
	a.wg.Wait()
	return gen, nil
}

func (a *Aggregator) notify() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

// resolveSummaries fills peer summaries that are absent or older than the TTL
// from the directory and writes the fresh copy back to the conversation.
// Failures leave the embedded copy in place.
func (a *Aggregator) resolveSummaries(ctx context.Context, convs []store.Conversation) {
	if a.dir == nil || len(convs) == 0 {
		return
	}
	now := a.nowMs()
	ttl := a.opts.SummaryTTL.Milliseconds()
	stale := make(map[string][]int)
	for i := range convs {
		p := convs[i].Peer(a.viewerID)
		if p == nil {
			continue
		}
		if p.DisplayName == "" || now-p.SummaryAt > ttl {
			stale[p.UserID] = append(stale[p.UserID], i)
		}
	}
	if len(stale) == 0 {
		return
	}
	ids := make([]string, 0, len(stale))
	for id := range stale {
		ids = append(ids, id)
	}
	users, err := a.dir.GetUsers(ctx, ids)
	if err != nil {
		a.logger.Warn("peer summary lookup failed", zap.Int("peers", len(ids)), zap.Error(err))
		return
	}
	for id, u := range users {
		u.UpdatedAt = now
		for _, i := range stale[id] {
			p := convs[i].Peer(a.viewerID)
			p.DisplayName, p.AvatarURL, p.SummaryAt = u.DisplayName, u.AvatarURL, now
			if err := a.db.UpdatePeerSummary(ctx, convs[i].ID, u); err != nil {
				a.logger.Debug("write back peer summary failed",
					zap.String("conversation_id", convs[i].ID), zap.Error(err))
			}
		}
	}
}
