// Package provision creates conversations exactly once per participant pair or
// context and repairs half-provisioned records.
package provision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store"
)

// ErrProvisionFailed is returned when a conversation could not be created or
// repaired after the store's retry budget.
var ErrProvisionFailed = errors.New("provision: conversation could not be provisioned")

// Ref identifies a provisioned conversation from one participant's side.
type Ref struct {
	ID     string
	Kind   store.Kind
	SelfID string
	PeerID string
	// ContextID and ExpiresAt are set for contextual conversations.
	ContextID string
	ExpiresAt int64
}

// DirectID returns the deterministic id of the direct conversation between a and b.
func DirectID(a, b string) string {
	return PairKey(a, b)
}

// PairKey orders two user ids so either side derives the same key.
func PairKey(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return strings.Join(ids, "-")
}

// Provisioner ensures conversation records exist with both participants.
type Provisioner struct {
	db     *store.DB
	logger *zap.Logger
	newID  func() string
}

// New creates a Provisioner.
func New(db *store.DB, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{db: db, logger: logger, newID: uuid.NewString}
}

// EnsureDirect returns the direct conversation between selfID and peerID,
// creating it or restoring a missing participant when needed. It never creates
// messages and never touches unread counters of an existing record.
func (p *Provisioner) EnsureDirect(ctx context.Context, selfID, peerID string) (Ref, error) {
	if err := checkPair(selfID, peerID); err != nil {
		return Ref{}, err
	}
	id := DirectID(selfID, peerID)
	err := p.db.RunTx(ctx, func(tx *store.Tx) error {
		c, err := tx.GetConversation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return tx.CreateConversation(ctx, newConversation(id, store.KindDirect, "", 0, selfID, peerID), "")
		}
		if err != nil {
			return err
		}
		return repair(ctx, tx, c, selfID, peerID)
	})
	if err != nil {
		p.logger.Warn("provision direct conversation failed",
			zap.String("conversation_id", id), zap.Error(err))
		return Ref{}, fmt.Errorf("%w: %s: %w", ErrProvisionFailed, id, err)
	}
	return Ref{ID: id, Kind: store.KindDirect, SelfID: selfID, PeerID: peerID}, nil
}

// EnsureContextual returns the contextual conversation bound to contextID between
// the two users. The id is assigned on first creation; concurrent callers for the
// same context and pair converge on one record.
func (p *Provisioner) EnsureContextual(ctx context.Context, selfID, peerID, contextID string, expiresAt int64) (Ref, error) {
	if err := checkPair(selfID, peerID); err != nil {
		return Ref{}, err
	}
	if contextID == "" {
		return Ref{}, fmt.Errorf("%w: empty context id", ErrProvisionFailed)
	}
	pair := PairKey(selfID, peerID)
	var id string
	err := p.db.RunTx(ctx, func(tx *store.Tx) error {
		c, err := tx.FindContextual(ctx, contextID, pair)
		if errors.Is(err, store.ErrNotFound) {
			id = p.newID()
			return tx.CreateConversation(ctx, newConversation(id, store.KindContextual, contextID, expiresAt, selfID, peerID), pair)
		}
		if err != nil {
			return err
		}
		id = c.ID
		expiresAt = c.ExpiresAt
		return repair(ctx, tx, c, selfID, peerID)
	})
	if err != nil {
		p.logger.Warn("provision contextual conversation failed",
			zap.String("context_id", contextID), zap.Error(err))
		return Ref{}, fmt.Errorf("%w: context %s: %w", ErrProvisionFailed, contextID, err)
	}
	return Ref{ID: id, Kind: store.KindContextual, SelfID: selfID, PeerID: peerID, ContextID: contextID, ExpiresAt: expiresAt}, nil
}

// Template returns the conversation a send would create if ref's record were
// missing, together with its pair key.
func Template(ref Ref) (*store.Conversation, string) {
	c := newConversation(ref.ID, ref.Kind, ref.ContextID, ref.ExpiresAt, ref.SelfID, ref.PeerID)
	if ref.Kind == store.KindContextual {
		return c, PairKey(ref.SelfID, ref.PeerID)
	}
	return c, ""
}

func newConversation(id string, kind store.Kind, contextID string, expiresAt int64, a, b string) *store.Conversation {
	return &store.Conversation{
		ID:           id,
		Kind:         kind,
		ContextID:    contextID,
		ExpiresAt:    expiresAt,
		Participants: []store.Participant{{UserID: a}, {UserID: b}},
	}
}

func repair(ctx context.Context, tx *store.Tx, c *store.Conversation, ids ...string) error {
	for _, id := range ids {
		if c.Member(id) != nil {
			continue
		}
		if _, err := tx.AddParticipant(ctx, c.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func checkPair(selfID, peerID string) error {
	if selfID == "" || peerID == "" {
		return fmt.Errorf("%w: empty participant id", ErrProvisionFailed)
	}
	if selfID == peerID {
		return fmt.Errorf("%w: conversation with self", ErrProvisionFailed)
	}
	return nil
}
