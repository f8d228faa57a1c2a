package feed

import (
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

const watchBuffer = 64

// subscribeLocked watches ids in batches of at most SubscribeBatch, one
// goroutine per batch. Callers hold mu.
func (a *Aggregator) subscribeLocked(ids []string) {
	if len(ids) == 0 {
		return
	}
	if a.stop == nil {
		a.stop = make(chan struct{})
	}
	for start := 0; start < len(ids); start += a.opts.SubscribeBatch {
		end := min(start+a.opts.SubscribeBatch, len(ids))
		batch := ids[start:end]
		sub := a.db.WatchConversations(batch, watchBuffer)
		a.subs = append(a.subs, sub)
		for _, id := range batch {
			a.live[id] = true
		}
		a.metrics.LiveSubscriptions(1)
		a.wg.Add(1)
		go a.watch(a.gen, sub, a.stop)
	}
}

// teardownLocked closes every subscription and signals the watchers to exit.
// Callers hold mu and wait on wg after releasing it.
func (a *Aggregator) teardownLocked() {
	for _, sub := range a.subs {
		sub.Close()
	}
	a.metrics.LiveSubscriptions(-len(a.subs))
	a.subs = nil
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	a.live = make(map[string]bool)
}

func (a *Aggregator) watch(gen uint64, sub *bus.Subscription, stop <-chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case evt := <-sub.Events():
			a.apply(gen, evt)
		case <-stop:
			return
		}
	}
}

// apply patches the feed with one committed change. Changes that arrive after
// the generation moved on are dropped.
func (a *Aggregator) apply(gen uint64, evt bus.Event) {
	ch, ok := evt.Payload.(store.ConversationChange)
	if !ok {
		return
	}
	now := a.nowMs()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || gen != a.gen {
		return
	}
	if ch.Type == store.ChangeRemoved || ch.Conversation == nil {
		if _, ok := a.entries[ch.ID]; ok {
			delete(a.entries, ch.ID)
			a.notify()
		}
		return
	}
	e, ok := project(ch.Conversation, a.viewerID, now)
	if !ok {
		if _, exists := a.entries[ch.ID]; exists {
			delete(a.entries, ch.ID)
			a.notify()
		}
		return
	}
	if old, exists := a.entries[ch.ID]; exists && e.Peer.DisplayName == "" {
		e.Peer = old.Peer
	}
	e.Live = true
	a.entries[ch.ID] = e
	a.notify()
	a.logger.Debug("feed entry patched",
		zap.String("conversation_id", ch.ID),
		zap.String("change", string(ch.Type)),
		zap.String("origin", evt.Origin))
}
