package store

import (
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/status"
)

// Kind distinguishes the two conversation collections.
type Kind string

const (
	KindDirect     Kind = "direct"
	KindContextual Kind = "contextual"
)

// Conversation is the shared conversation record. Participants always holds
// exactly two members once provisioned.
type Conversation struct {
	ID           string
	Kind         Kind
	ContextID    string
	ExpiresAt    int64
	Participants []Participant
	LastMessage  *LastMessage
	CreatedAt    int64
	UpdatedAt    int64
}

// Participant is one member of a conversation together with its per-member ledger
// fields and the embedded display summary.
type Participant struct {
	UserID      string
	Unread      int
	LastReadAt  int64
	Pinned      bool
	Hidden      bool
	DisplayName string
	AvatarURL   string
	SummaryAt   int64
}

// LastMessage is the denormalized snapshot of the newest message.
type LastMessage struct {
	MessageID string        `json:"message_id"`
	Summary   string        `json:"summary"`
	SenderID  string        `json:"sender_id"`
	CreatedAt int64         `json:"created_at"`
	Status    status.Status `json:"status"`
}

// ParticipantIDs returns the member ids in stored order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Member returns the participant record for userID, or nil.
func (c *Conversation) Member(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Peer returns the participant that is not selfID, or nil.
func (c *Conversation) Peer(selfID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Unread returns the unread counter for userID.
func (c *Conversation) Unread(userID string) int {
	if m := c.Member(userID); m != nil {
		return m.Unread
	}
	return 0
}

// PinnedBy returns the ids of members who pinned the conversation.
func (c *Conversation) PinnedBy() []string {
	var ids []string
	for _, p := range c.Participants {
		if p.Pinned {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Expired reports whether a contextual conversation has become inert at nowMs.
func (c *Conversation) Expired(nowMs int64) bool {
	return c.Kind == KindContextual && c.ExpiresAt > 0 && c.ExpiresAt <= nowMs
}

// PayloadKind is the discriminant of a message payload.
type PayloadKind string

const (
	PayloadText   PayloadKind = "text"
	PayloadImage  PayloadKind = "image"
	PayloadAudio  PayloadKind = "audio"
	PayloadGift   PayloadKind = "gift"
	PayloadSystem PayloadKind = "system"
)

// Payload is a tagged union; exactly the variant named by Kind is set.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	Text   *TextBody   `json:"text,omitempty"`
	Image  *MediaRef   `json:"image,omitempty"`
	Audio  *MediaRef   `json:"audio,omitempty"`
	Gift   *GiftRef    `json:"gift,omitempty"`
	System *SystemNote `json:"system,omitempty"`
}

type TextBody struct {
	Body string `json:"body"`
}

type MediaRef struct {
	URL        string `json:"url"`
	Caption    string `json:"caption,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type GiftRef struct {
	GiftID string `json:"gift_id"`
	Name   string `json:"name,omitempty"`
}

type SystemNote struct {
	Body string `json:"body"`
}

func TextPayload(body string) Payload {
	return Payload{Kind: PayloadText, Text: &TextBody{Body: body}}
}

func ImagePayload(url, caption string) Payload {
	return Payload{Kind: PayloadImage, Image: &MediaRef{URL: url, Caption: caption}}
}

func AudioPayload(url string, durationMs int64) Payload {
	return Payload{Kind: PayloadAudio, Audio: &MediaRef{URL: url, DurationMs: durationMs}}
}

func GiftPayload(giftID, name string) Payload {
	return Payload{Kind: PayloadGift, Gift: &GiftRef{GiftID: giftID, Name: name}}
}

func SystemPayload(body string) Payload {
	return Payload{Kind: PayloadSystem, System: &SystemNote{Body: body}}
}

// Validate checks that the variant named by Kind is present.
func (p Payload) Validate() error {
	var ok bool
	switch p.Kind {
	case PayloadText:
		ok = p.Text != nil && p.Text.Body != ""
	case PayloadImage:
		ok = p.Image != nil && p.Image.URL != ""
	case PayloadAudio:
		ok = p.Audio != nil && p.Audio.URL != ""
	case PayloadGift:
		ok = p.Gift != nil && p.Gift.GiftID != ""
	case PayloadSystem:
		ok = p.System != nil
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	if !ok {
		return fmt.Errorf("payload %s: missing variant body", p.Kind)
	}
	return nil
}

// Summary is the short preview stored in LastMessage and used as a push body.
func (p Payload) Summary() string {
	switch p.Kind {
	case PayloadText:
		if p.Text != nil {
			return truncate(p.Text.Body, 100)
		}
	case PayloadImage:
		if p.Image != nil && p.Image.Caption != "" {
			return "[image] " + truncate(p.Image.Caption, 90)
		}
		return "[image]"
	case PayloadAudio:
		return "[audio]"
	case PayloadGift:
		if p.Gift != nil && p.Gift.Name != "" {
			return "[gift] " + p.Gift.Name
		}
		return "[gift]"
	case PayloadSystem:
		if p.System != nil {
			return truncate(p.System.Body, 100)
		}
	}
	return ""
}

// ModerationText returns the user-authored text subject to content checks.
func (p Payload) ModerationText() string {
	switch p.Kind {
	case PayloadText:
		if p.Text != nil {
			return p.Text.Body
		}
	case PayloadImage:
		if p.Image != nil {
			return p.Image.Caption
		}
	}
	return ""
}

// ReplyRef is the denormalized reference to the message being replied to.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Summary   string `json:"summary"`
}

// Message is a single message document.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	CreatedAt      int64
	Payload        Payload
	Status         status.Status
	DeliveredAt    int64
	ReadAt         int64
	ReplyTo        *ReplyRef
	Reactions      map[string][]string
	IsPinned       bool
	IsEdited       bool
	EditedAt       int64
	IsRecalled     bool
	DeletedFor     []string
}

// DeletedForUser reports whether userID soft-deleted the message.
func (m *Message) DeletedForUser(userID string) bool {
	return slices.Contains(m.DeletedFor, userID)
}

// Snapshot builds the LastMessage projection of m.
func (m *Message) Snapshot() LastMessage {
	return LastMessage{
		MessageID: m.ID,
		Summary:   m.Payload.Summary(),
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		Status:    m.Status,
	}
}

// User is a directory record.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	PushToken   string
	UpdatedAt   int64
}

// Cursor is a keyset position in a conversation listing.
type Cursor struct {
	UpdatedAt int64
	ID        string
}

// IsZero reports whether the cursor points at the start of the listing.
func (c Cursor) IsZero() bool {
	return c.UpdatedAt == 0 && c.ID == ""
}

// ConversationQuery selects one page of a viewer's conversations of one kind.
type ConversationQuery struct {
	UserID string
	Kind   Kind
	After  Cursor
	Limit  int
}

// ChangeType is the kind of change carried by a change event.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ConversationChange is the payload of conversation.* bus events. Conversation holds the
// full current document for added and modified events.
type ConversationChange struct {
	Type         ChangeType    `json:"type"`
	ID           string        `json:"id"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// MessageChange is the payload of message.* bus events.
type MessageChange struct {
	Type    ChangeType `json:"type"`
	Message *Message   `json:"message"`
}

// SearchResult holds a message matched by a search.
type SearchResult struct {
	Message Message
	Snippet string
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
