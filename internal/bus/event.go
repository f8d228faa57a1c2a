package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	// Origin identifies the process that produced the event; empty for local events.
	Origin  string
	Payload any
}

// Event kinds published by the store and the send pipeline.
const (
	ConversationAdded    = "conversation.added"
	ConversationModified = "conversation.modified"
	ConversationRemoved  = "conversation.removed"

	MessageAdded      = "message.added"
	MessageModified   = "message.modified"
	MessageRemoved    = "message.removed"
	MessageLocalEcho  = "message.local_echo"
	MessageSendAck    = "message.send_ack"
	MessageRolledBack = "message.rolled_back"

	// FeedChanged is published by the daemon after its feed was patched.
	FeedChanged = "feed.changed"
)
