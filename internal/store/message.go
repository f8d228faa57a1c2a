package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/status"
)

// RecalledNotice replaces the payload of a message recalled by its sender.
const RecalledNotice = "This message was recalled"

var messageFields = []string{
	"conversation_id", "msg_id", "sender_id", "payload", "status", "delivered_at", "read_at",
	"reply_to", "reactions", "is_pinned", "is_edited", "edited_at", "is_recalled", "deleted_for", "created_at",
}

var messageColumns = strings.Join(messageFields, ", ")

// messageColumnsOf qualifies the message columns with a table alias.
func messageColumnsOf(alias string) string {
	cols := make([]string, len(messageFields))
	for i, f := range messageFields {
		cols[i] = alias + "." + f
	}
	return strings.Join(cols, ", ")
}

func scanMessage(sc interface{ Scan(...any) error }) (*Message, error) {
	var (
		m                              Message
		payload, reactions, deletedFor string
		st                             string
		replyTo                        sql.NullString
	)
	if err := sc.Scan(&m.ConversationID, &m.ID, &m.SenderID, &payload, &st, &m.DeliveredAt, &m.ReadAt,
		&replyTo, &reactions, &m.IsPinned, &m.IsEdited, &m.EditedAt, &m.IsRecalled, &deletedFor, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = status.Status(st)
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", m.ID, err)
	}
	if replyTo.Valid && replyTo.String != "" {
		m.ReplyTo = &ReplyRef{}
		if err := json.Unmarshal([]byte(replyTo.String), m.ReplyTo); err != nil {
			return nil, fmt.Errorf("decode reply of %s: %w", m.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(deletedFor), &m.DeletedFor); err != nil {
		return nil, fmt.Errorf("decode deleted_for of %s: %w", m.ID, err)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func getMessage(ctx context.Context, q querier, convID, msgID string) (*Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetMessage returns one message or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, convID, msgID string) (*Message, error) {
	return getMessage(ctx, db.DB, convID, msgID)
}

// InsertMessage appends m to its conversation. Inserting the same id twice is a
// no-op; the boolean reports whether a new row was written. The conversation
// record does not need to exist yet.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if err := m.Payload.Validate(); err != nil {
		return false, err
	}
	if m.Status == "" {
		m.Status = status.Sent
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return false, err
	}
	var replyTo sql.NullString
	if m.ReplyTo != nil {
		b, err := json.Marshal(m.ReplyTo)
		if err != nil {
			return false, err
		}
		replyTo = sql.NullString{String: string(b), Valid: true}
	}
	var inserted bool
	err = db.RunTx(ctx, func(t *Tx) error {
		if m.CreatedAt == 0 {
			m.CreatedAt = t.now
		}
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, msg_id, sender_id, payload_kind, payload, body, status, reply_to, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
			m.ConversationID, m.ID, m.SenderID, string(m.Payload.Kind), string(payload), m.Payload.ModerationText(),
			string(m.Status), replyTo, m.CreatedAt, t.now)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		if inserted {
			t.touchMessage(ctx, m.ConversationID, m.ID, ChangeAdded)
		}
		return nil
	})
	return inserted, err
}

// ListMessages returns messages visible to viewerID using keyset pagination by
// creation time, newest first. A zero beforeTs starts at the newest message,
// whatever clock stamped it.
func (db *DB) ListMessages(ctx context.Context, convID, viewerID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE conversation_id = ? AND created_at < ?
			AND NOT EXISTS (SELECT 1 FROM json_each(m.deleted_for) WHERE value = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, convID, beforeTs, viewerID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessagesSince returns messages created at or after sinceTs, oldest first.
func (db *DB) ListMessagesSince(ctx context.Context, convID, viewerID string, sinceTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE conversation_id = ? AND created_at >= ?
			AND NOT EXISTS (SELECT 1 FROM json_each(m.deleted_for) WHERE value = ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, convID, sinceTs, viewerID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListPeerMessages returns messages not sent by viewerID whose status is one of
// statuses, oldest first.
func (db *DB) ListPeerMessages(ctx context.Context, convID, viewerID string, statuses ...status.Status) ([]Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{convID, viewerID}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND status IN (`+placeholders(len(statuses))+`)
		ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// AdvanceMessageStatus moves a peer message to `to`, stamping the matching
// timestamp. The write is applied only when viewerID is not the sender and the
// current status is the immediate predecessor of `to`, so a status never skips a
// step or moves backwards. It reports whether the message changed.
func (db *DB) AdvanceMessageStatus(ctx context.Context, convID, msgID, viewerID string, to status.Status) (bool, error) {
	preds := status.Predecessors(to)
	if len(preds) == 0 {
		return false, fmt.Errorf("status %q is not reachable", to)
	}
	var changed bool
	err := db.RunTx(ctx, func(t *Tx) error {
		changed = false
		args := []any{string(to), string(to), t.now, string(to), t.now, t.now, convID, msgID, viewerID}
		for _, p := range preds {
			args = append(args, string(p))
		}
		res, err := t.tx.ExecContext(ctx, `
			UPDATE messages SET
				status = ?,
				delivered_at = CASE WHEN ? = 'delivered' THEN ? ELSE delivered_at END,
				read_at = CASE WHEN ? = 'read' THEN ? ELSE read_at END,
				updated_at = ?
			WHERE conversation_id = ? AND msg_id = ? AND sender_id <> ?
				AND status IN (`+placeholders(len(preds))+`)`, args...)
		if err != nil {
			return fmt.Errorf("advance %s to %s: %w", msgID, to, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = true
			t.touchMessage(ctx, convID, msgID, ChangeModified)
		}
		return nil
	})
	return changed, err
}

// RemoveMessage deletes a message and undoes its effect on the conversation: the
// unread counters are recomputed and the last message snapshot is rebuilt if it
// pointed at the removed message.
func (db *DB) RemoveMessage(ctx context.Context, convID, msgID string) error {
	return db.RunTx(ctx, func(t *Tx) error {
		m, err := getMessage(ctx, t.tx, convID, msgID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID); err != nil {
			return fmt.Errorf("delete message %s: %w", msgID, err)
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM ledger_marks WHERE conversation_id = ? AND message_id = ?`, convID, msgID); err != nil {
			return fmt.Errorf("delete mark %s: %w", msgID, err)
		}
		t.removedMessage(m)

		c, err := t.GetConversation(ctx, convID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.recount(ctx, convID, ""); err != nil {
			return err
		}
		if c.LastMessage != nil && c.LastMessage.MessageID == msgID {
			if err := t.rebuildLastMessage(ctx, convID); err != nil {
				return err
			}
		}
		t.touchConversation(ctx, convID, ChangeModified)
		return nil
	})
}

func (t *Tx) rebuildLastMessage(ctx context.Context, convID string) error {
	row := t.tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, convID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = t.tx.ExecContext(ctx, `UPDATE conversations SET last_message = NULL, last_message_at = 0 WHERE id = ?`, convID)
		return err
	}
	if err != nil {
		return err
	}
	b, err := json.Marshal(m.Snapshot())
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?`,
		string(b), m.CreatedAt, convID)
	return err
}

// ToggleReaction adds userID under emoji, or removes it if already present.
// Emojis left without users are dropped.
func (db *DB) ToggleReaction(ctx context.Context, convID, msgID, userID, emoji string) (*Message, error) {
	var out *Message
	err := db.RunTx(ctx, func(t *Tx) error {
		m, err := getMessage(ctx, t.tx, convID, msgID)
		if err != nil {
			return err
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		users := m.Reactions[emoji]
		if i := slices.Index(users, userID); i >= 0 {
			users = slices.Delete(users, i, i+1)
		} else {
			users = append(users, userID)
		}
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		b, err := json.Marshal(m.Reactions)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `UPDATE messages SET reactions = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`, string(b), t.now, convID, msgID); err != nil {
			return err
		}
		t.touchMessage(ctx, convID, msgID, ChangeModified)
		out = m
		return nil
	})
	return out, err
}

// SetMessagePinned pins or unpins a message for both members.
func (db *DB) SetMessagePinned(ctx context.Context, convID, msgID string, pinned bool) error {
	return db.updateMessage(ctx, convID, msgID, "", func(t *Tx) (string, []any) {
		at := int64(0)
		if pinned {
			at = t.now
		}
		return `is_pinned = ?, pinned_at = ?`, []any{pinned, at}
	})
}

// EditMessage replaces the text of a text message. Only the sender may edit.
func (db *DB) EditMessage(ctx context.Context, convID, msgID, editorID, text string) error {
	p := TextPayload(text)
	if err := p.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return db.updateMessage(ctx, convID, msgID, editorID, func(t *Tx) (string, []any) {
		return `payload = ?, body = ?, is_edited = 1, edited_at = ?`, []any{string(b), text, t.now}
	}, func(m *Message) error {
		if m.Payload.Kind != PayloadText || m.IsRecalled {
			return fmt.Errorf("message %s: %w", msgID, ErrNotEditable)
		}
		return nil
	})
}

// RecallMessage withdraws a message for both members. Only the sender may recall.
func (db *DB) RecallMessage(ctx context.Context, convID, msgID, requesterID string) error {
	b, err := json.Marshal(SystemPayload(RecalledNotice))
	if err != nil {
		return err
	}
	return db.updateMessage(ctx, convID, msgID, requesterID, func(t *Tx) (string, []any) {
		return `payload = ?, payload_kind = 'system', body = '', is_recalled = 1, reactions = '{}'`, []any{string(b)}
	})
}

// DeleteMessageFor hides a message from userID only.
func (db *DB) DeleteMessageFor(ctx context.Context, convID, msgID, userID string) error {
	return db.RunTx(ctx, func(t *Tx) error {
		m, err := getMessage(ctx, t.tx, convID, msgID)
		if err != nil {
			return err
		}
		if m.DeletedForUser(userID) {
			return nil
		}
		b, err := json.Marshal(append(m.DeletedFor, userID))
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `UPDATE messages SET deleted_for = ?, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`, string(b), t.now, convID, msgID); err != nil {
			return err
		}
		t.touchMessage(ctx, convID, msgID, ChangeModified)
		return nil
	})
}

// updateMessage applies a single SET clause to a message. A non-empty senderID
// restricts the change to the message's sender.
func (db *DB) updateMessage(ctx context.Context, convID, msgID, senderID string, set func(*Tx) (string, []any), checks ...func(*Message) error) error {
	return db.RunTx(ctx, func(t *Tx) error {
		m, err := getMessage(ctx, t.tx, convID, msgID)
		if err != nil {
			return err
		}
		if senderID != "" && m.SenderID != senderID {
			return fmt.Errorf("message %s: %w", msgID, ErrForbidden)
		}
		for _, check := range checks {
			if err := check(m); err != nil {
				return err
			}
		}
		clause, args := set(t)
		args = append(args, t.now, convID, msgID)
		if _, err := t.tx.ExecContext(ctx, `UPDATE messages SET `+clause+`, updated_at = ?
			WHERE conversation_id = ? AND msg_id = ?`, args...); err != nil {
			return err
		}
		t.touchMessage(ctx, convID, msgID, ChangeModified)
		return nil
	})
}
