package feed

import (
	"cmp"
	"slices"

	"github.com/matheus3301/chatsync/internal/store"
)

// PeerSummary is the display data of the other participant.
type PeerSummary struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Entry is one row of the feed. It is a projection of a conversation for the
// viewing user and is never written back.
type Entry struct {
	ConversationID string
	Kind           store.Kind
	Peer           PeerSummary
	LastMessage    store.LastMessage
	Unread         int
	UpdatedAt      int64
	Pinned         bool
	ExpiresAt      int64
	Live           bool
}

// project builds the entry of c for viewerID. It returns false for
// conversations that must not appear: no last message, hidden by the viewer,
// or an expired contextual conversation.
func project(c *store.Conversation, viewerID string, nowMs int64) (Entry, bool) {
	if c == nil || c.LastMessage == nil || c.Expired(nowMs) {
		return Entry{}, false
	}
	self := c.Member(viewerID)
	if self == nil || self.Hidden {
		return Entry{}, false
	}
	e := Entry{
		ConversationID: c.ID,
		Kind:           c.Kind,
		LastMessage:    *c.LastMessage,
		Unread:         self.Unread,
		UpdatedAt:      c.UpdatedAt,
		Pinned:         self.Pinned,
		ExpiresAt:      c.ExpiresAt,
	}
	if p := c.Peer(viewerID); p != nil {
		e.Peer = PeerSummary{UserID: p.UserID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
	}
	return e, true
}

// sortEntries orders pinned entries first, then by most recent activity. Ties
// fall back to the conversation id so the order is stable across re-sorts.
func sortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ConversationID, a.ConversationID)
	})
}

func expired(e Entry, nowMs int64) bool {
	return e.Kind == store.KindContextual && e.ExpiresAt > 0 && e.ExpiresAt <= nowMs
}
