package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/status"
)

const conversationColumns = `id, kind, context_id, expires_at, last_message, created_at, updated_at`

func scanConversation(sc interface{ Scan(...any) error }) (*Conversation, error) {
	var (
		c    Conversation
		kind string
		lm   sql.NullString
	)
	if err := sc.Scan(&c.ID, &kind, &c.ContextID, &c.ExpiresAt, &lm, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	if lm.Valid && lm.String != "" {
		var snap LastMessage
		if err := json.Unmarshal([]byte(lm.String), &snap); err != nil {
			return nil, fmt.Errorf("decode last message of %s: %w", c.ID, err)
		}
		c.LastMessage = &snap
	}
	return &c, nil
}

func getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	members, err := loadMembers(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	c.Participants = members[id]
	return c, nil
}

func loadMembers(ctx context.Context, q querier, ids []string) (map[string][]Participant, error) {
	out := make(map[string][]Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `
		SELECT conversation_id, user_id, unread_count, last_read_at, pinned, hidden, display_name, avatar_url, summary_at
		FROM conversation_members
		WHERE conversation_id IN (`+placeholders(len(ids))+`)
		ORDER BY conversation_id, user_id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			convID string
			p      Participant
		)
		if err := rows.Scan(&convID, &p.UserID, &p.Unread, &p.LastReadAt, &p.Pinned, &p.Hidden, &p.DisplayName, &p.AvatarURL, &p.SummaryAt); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], p)
	}
	return out, rows.Err()
}

// GetConversation returns the conversation document or ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, db.DB, id)
}

// GetConversation reads the conversation inside the transaction.
func (t *Tx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, t.tx, id)
}

// FindContextual returns the contextual conversation for a context and participant
// pair, or ErrNotFound.
func (t *Tx) FindContextual(ctx context.Context, contextID, pairKey string) (*Conversation, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE kind = 'contextual' AND context_id = ? AND pair_key = ?`,
		contextID, pairKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return getConversation(ctx, t.tx, id)
}

// CreateConversation inserts c and its participants. Unread counters start at the
// values carried by c; display summaries are copied from the user directory.
func (t *Tx) CreateConversation(ctx context.Context, c *Conversation, pairKey string) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = t.now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = c.CreatedAt
	}
	var (
		lmJSON sql.NullString
		lmAt   int64
	)
	if c.LastMessage != nil {
		b, err := json.Marshal(c.LastMessage)
		if err != nil {
			return err
		}
		lmJSON = sql.NullString{String: string(b), Valid: true}
		lmAt = c.LastMessage.CreatedAt
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, context_id, pair_key, expires_at, last_message, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), c.ContextID, pairKey, c.ExpiresAt, lmJSON, lmAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	for _, p := range c.Participants {
		if err := t.insertMember(ctx, c.ID, p); err != nil {
			return err
		}
	}
	t.touchConversation(ctx, c.ID, ChangeAdded)
	return nil
}

func (t *Tx) insertMember(ctx context.Context, convID string, p Participant) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_members
			(conversation_id, user_id, unread_count, last_read_at, pinned, hidden, display_name, avatar_url, summary_at)
		SELECT ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT display_name FROM users WHERE id = ?), ''),
			COALESCE((SELECT avatar_url FROM users WHERE id = ?), ''),
			COALESCE((SELECT updated_at FROM users WHERE id = ?), 0)`,
		convID, p.UserID, p.Unread, p.LastReadAt, p.Pinned, p.Hidden, p.UserID, p.UserID, p.UserID)
	if err != nil {
		return fmt.Errorf("insert member %s of %s: %w", p.UserID, convID, err)
	}
	return nil
}

// AddParticipant restores a missing member of an existing conversation. It
// reports whether a row was added.
func (t *Tx) AddParticipant(ctx context.Context, convID, userID string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		convID, userID).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := t.insertMember(ctx, convID, Participant{UserID: userID}); err != nil {
		return false, err
	}
	t.touchConversation(ctx, convID, ChangeModified)
	return true, nil
}

// ListConversations returns one keyset page of the viewer's visible conversations
// of the given kind, newest first.
func (db *DB) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.context_id, c.expires_at, c.last_message, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ? AND m.hidden = 0 AND c.kind = ?
			AND (? = 0 OR c.updated_at < ? OR (c.updated_at = ? AND c.id < ?))
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ?`,
		q.UserID, string(q.Kind),
		boolToInt(!q.After.IsZero()), q.After.UpdatedAt, q.After.UpdatedAt, q.After.ID,
		q.Limit)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	ids := make([]string, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}
	members, err := loadMembers(ctx, db.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Participants = members[convs[i].ID]
	}
	return convs, nil
}

// IncrementUnread is the atomic counter primitive: in a single attempt it adds one
// to peerID's unread count, makes the conversation visible again and advances the
// last message snapshot. A message already accounted for is a no-op, so retries of
// the same send never double count. Returns ErrNotFound when the conversation or
// member row is missing.
func (db *DB) IncrementUnread(ctx context.Context, convID, peerID, msgID string, lm LastMessage) error {
	return db.attempt(ctx, func(t *Tx) error {
		var n int
		if err := t.tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
			convID, peerID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("conversation %s member %s: %w", convID, peerID, ErrNotFound)
		}
		return t.applyLedger(ctx, convID, peerID, msgID, lm)
	})
}

// ApplySendLedger is the transactional fallback for IncrementUnread. It creates
// the conversation from tmpl when absent, restores any missing participant, and
// applies the same guarded increment and snapshot update.
func (db *DB) ApplySendLedger(ctx context.Context, tmpl *Conversation, pairKey, peerID, msgID string, lm LastMessage) error {
	return db.RunTx(ctx, func(t *Tx) error {
		c, err := t.GetConversation(ctx, tmpl.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			fresh := *tmpl
			fresh.Participants = make([]Participant, 0, len(tmpl.Participants))
			for _, p := range tmpl.Participants {
				fresh.Participants = append(fresh.Participants, Participant{UserID: p.UserID})
			}
			fresh.LastMessage = nil
			fresh.CreatedAt = t.now
			fresh.UpdatedAt = 0
			if err := t.CreateConversation(ctx, &fresh, pairKey); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			for _, id := range tmpl.ParticipantIDs() {
				if c.Member(id) == nil {
					if _, err := t.AddParticipant(ctx, c.ID, id); err != nil {
						return err
					}
				}
			}
		}
		return t.applyLedger(ctx, tmpl.ID, peerID, msgID, lm)
	})
}

// applyLedger accounts for msgID once. The ledger mark gates only the unread
// increment: a recount may already have counted the message, and the snapshot
// and unhide must still follow it.
func (t *Tx) applyLedger(ctx context.Context, convID, peerID, msgID string, lm LastMessage) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_marks (conversation_id, message_id, applied_at) VALUES (?, ?, ?)`,
		convID, msgID, t.now)
	if err != nil {
		return fmt.Errorf("mark %s: %w", msgID, err)
	}
	fresh, _ := res.RowsAffected()

	var (
		prevAt int64
		prevID string
	)
	if err := t.tx.QueryRowContext(ctx, `
		SELECT last_message_at, COALESCE(json_extract(last_message, '$.message_id'), '')
		FROM conversations WHERE id = ?`, convID).Scan(&prevAt, &prevID); err != nil {
		return fmt.Errorf("read last message of %s: %w", convID, err)
	}
	advances := prevID != lm.MessageID && lm.CreatedAt >= prevAt
	if fresh == 0 && !advances {
		return nil
	}

	if fresh > 0 {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE conversation_members SET unread_count = unread_count + 1
			WHERE conversation_id = ? AND user_id = ?`, convID, peerID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE conversation_members SET hidden = 0 WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("unhide conversation: %w", err)
	}
	if err := t.setLastMessage(ctx, convID, lm); err != nil {
		return err
	}
	t.touchConversation(ctx, convID, ChangeModified)
	return nil
}

// setLastMessage replaces the snapshot only when lm is not older than the stored one.
func (t *Tx) setLastMessage(ctx context.Context, convID string, lm LastMessage) error {
	b, err := json.Marshal(lm)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message = CASE WHEN ? >= last_message_at THEN ? ELSE last_message END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = MAX(updated_at, ?)
		WHERE id = ?`,
		lm.CreatedAt, string(b), lm.CreatedAt, lm.CreatedAt, convID)
	if err != nil {
		return fmt.Errorf("set last message of %s: %w", convID, err)
	}
	return nil
}

// recount recomputes unread counters from message statuses for one member, or for
// every member when userID is empty, and marks every existing message as accounted
// for so later increments of the same messages are no-ops.
func (t *Tx) recount(ctx context.Context, convID, userID string) error {
	query := `
		UPDATE conversation_members SET unread_count = (
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = conversation_members.conversation_id
				AND m.sender_id <> conversation_members.user_id
				AND m.status <> 'read'
		)
		WHERE conversation_id = ?`
	args := []any{convID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recount %s: %w", convID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_marks (conversation_id, message_id, applied_at)
		SELECT conversation_id, msg_id, ? FROM messages WHERE conversation_id = ?`,
		t.now, convID); err != nil {
		return fmt.Errorf("mark %s: %w", convID, err)
	}
	return nil
}

// MarkConversationRead brings viewerID's unread counter in line with the messages
// still unread for them and advances their read watermark.
func (db *DB) MarkConversationRead(ctx context.Context, convID, viewerID string) error {
	return db.RunTx(ctx, func(t *Tx) error {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE conversation_members SET last_read_at = MAX(last_read_at, ?)
			WHERE conversation_id = ? AND user_id = ?`, t.now, convID, viewerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %s member %s: %w", convID, viewerID, ErrNotFound)
		}
		if err := t.recount(ctx, convID, viewerID); err != nil {
			return err
		}
		t.touchConversation(ctx, convID, ChangeModified)
		return nil
	})
}

// RecountUnread recomputes every member's counter of one conversation.
func (db *DB) RecountUnread(ctx context.Context, convID string) error {
	return db.RunTx(ctx, func(t *Tx) error {
		if _, err := t.GetConversation(ctx, convID); err != nil {
			return err
		}
		if err := t.recount(ctx, convID, ""); err != nil {
			return err
		}
		t.touchConversation(ctx, convID, ChangeModified)
		return nil
	})
}

// RecountAll recomputes the counters of every conversation that has drifted and
// returns how many were repaired.
func (db *DB) RecountAll(ctx context.Context) (int, error) {
	ids, err := db.UnreadDrift(ctx)
	if err != nil {
		return 0, fmt.Errorf("find drift: %w", err)
	}
	repaired := 0
	for _, id := range ids {
		if err := db.RecountUnread(ctx, id); err != nil {
			return repaired, fmt.Errorf("recount %s: %w", id, err)
		}
		repaired++
	}
	return repaired, nil
}

// UnreadDrift lists conversations whose stored counters disagree with the
// message statuses.
func (db *DB) UnreadDrift(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT cm.conversation_id FROM conversation_members cm
		WHERE cm.unread_count <> (
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = cm.conversation_id
				AND m.sender_id <> cm.user_id
				AND m.status <> 'read'
		)
		ORDER BY cm.conversation_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetPinned sets userID's pin flag on the conversation.
func (db *DB) SetPinned(ctx context.Context, convID, userID string, pinned bool) error {
	return db.updateMember(ctx, convID, userID, `pinned = ?`, pinned)
}

// HideConversation removes the conversation from userID's feed. The peer keeps
// it, and the next message in either direction makes it visible again.
func (db *DB) HideConversation(ctx context.Context, convID, userID string) error {
	return db.updateMember(ctx, convID, userID, `hidden = 1, pinned = 0`)
}

// UpdatePeerSummary rewrites the embedded display summary of one member.
func (db *DB) UpdatePeerSummary(ctx context.Context, convID string, u User) error {
	return db.updateMember(ctx, convID, u.ID, `display_name = ?, avatar_url = ?, summary_at = ?`,
		u.DisplayName, u.AvatarURL, u.UpdatedAt)
}

func (db *DB) updateMember(ctx context.Context, convID, userID, set string, args ...any) error {
	return db.RunTx(ctx, func(t *Tx) error {
		all := append(append([]any{}, args...), convID, userID)
		res, err := t.tx.ExecContext(ctx, `UPDATE conversation_members SET `+set+`
			WHERE conversation_id = ? AND user_id = ?`, all...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %s member %s: %w", convID, userID, ErrNotFound)
		}
		t.touchConversation(ctx, convID, ChangeModified)
		return nil
	})
}

// AdvanceLastMessageStatus moves the snapshot status forward to `to` when the
// snapshot message was sent by someone other than viewerID. It reports whether
// the snapshot changed.
func (db *DB) AdvanceLastMessageStatus(ctx context.Context, convID, viewerID string, to status.Status) (bool, error) {
	var changed bool
	err := db.RunTx(ctx, func(t *Tx) error {
		changed = false
		var raw sql.NullString
		err := t.tx.QueryRowContext(ctx, `SELECT last_message FROM conversations WHERE id = ?`, convID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !raw.Valid || raw.String == "" {
			return nil
		}
		var lm LastMessage
		if err := json.Unmarshal([]byte(raw.String), &lm); err != nil {
			return err
		}
		if lm.SenderID == viewerID || lm.Status.AtLeast(to) {
			return nil
		}
		lm.Status = to
		b, err := json.Marshal(lm)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `UPDATE conversations SET last_message = ? WHERE id = ?`, string(b), convID); err != nil {
			return err
		}
		changed = true
		t.touchConversation(ctx, convID, ChangeModified)
		return nil
	})
	return changed, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
