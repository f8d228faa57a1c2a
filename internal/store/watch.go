package store

import (
	"github.com/matheus3301/chatsync/internal/bus"
)

// WatchConversations subscribes to committed changes of the given conversations.
// The caller owns the subscription and must close it.
func (db *DB) WatchConversations(ids []string, bufSize int) *bus.Subscription {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return db.bus.Subscribe("conversation.", bufSize, func(e bus.Event) bool {
		ch, ok := e.Payload.(ConversationChange)
		if !ok {
			return false
		}
		_, ok = set[ch.ID]
		return ok
	})
}

// WatchMessages subscribes to committed message changes of one conversation.
func (db *DB) WatchMessages(convID string, bufSize int) *bus.Subscription {
	return db.bus.Subscribe("message.", bufSize, func(e bus.Event) bool {
		ch, ok := e.Payload.(MessageChange)
		return ok && ch.Message != nil && ch.Message.ConversationID == convID
	})
}
