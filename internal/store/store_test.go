package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
)

type testClock struct{ ms int64 }

func (c *testClock) now() time.Time {
	c.ms++
	return time.UnixMilli(c.ms)
}

func testDB(t *testing.T) *DB {
	t.Helper()
	clock := &testClock{ms: 1_000_000}
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, Options{Bus: bus.New(), Now: clock.now})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createDirect(t *testing.T, db *DB, id, a, b string) {
	t.Helper()
	err := db.RunTx(context.Background(), func(tx *Tx) error {
		return tx.CreateConversation(context.Background(), &Conversation{
			ID:           id,
			Kind:         KindDirect,
			Participants: []Participant{{UserID: a}, {UserID: b}},
		}, "")
	})
	if err != nil {
		t.Fatal(err)
	}
}

func insertText(t *testing.T, db *DB, convID, msgID, sender, body string, at int64) *Message {
	t.Helper()
	m := &Message{ID: msgID, ConversationID: convID, SenderID: sender, CreatedAt: at, Payload: TextPayload(body)}
	if _, err := db.InsertMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func mustConv(t *testing.T, db *DB, id string) *Conversation {
	t.Helper()
	c, err := db.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 || result.From != 1 {
		t.Errorf("version = %d from %d, want 1 from 1", result.Version, result.From)
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertUser(ctx, &User{ID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatal(err)
	}
	createDirect(t, db, "alice-bob", "alice", "bob")

	c := mustConv(t, db, "alice-bob")
	if c.Kind != KindDirect {
		t.Errorf("kind = %q, want direct", c.Kind)
	}
	if len(c.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(c.Participants))
	}
	if got := c.Peer("alice").DisplayName; got != "Bob" {
		t.Errorf("embedded peer name = %q, want Bob", got)
	}
	if _, err := db.GetConversation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation err = %v, want ErrNotFound", err)
	}
}

func TestIncrementUnreadIdempotentPerMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	m := insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)

	for range 3 {
		if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
			t.Fatal(err)
		}
	}
	c := mustConv(t, db, "a-b")
	if got := c.Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1", got)
	}
	if got := c.Unread("a"); got != 0 {
		t.Errorf("unread[a] = %d, want 0", got)
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != "m1" {
		t.Errorf("last message = %+v, want m1", c.LastMessage)
	}
	if c.UpdatedAt != 2_000_000 {
		t.Errorf("updatedAt = %d, want 2000000", c.UpdatedAt)
	}
}

func TestIncrementUnreadMissingConversation(t *testing.T) {
	db := testDB(t)
	err := db.IncrementUnread(context.Background(), "a-b", "b", "m1", LastMessage{MessageID: "m1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestApplySendLedgerCreatesConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := insertText(t, db, "a-b", "m1", "a", "hello", 2_000_000)

	tmpl := &Conversation{ID: "a-b", Kind: KindDirect, Participants: []Participant{{UserID: "a"}, {UserID: "b"}}}
	if err := db.ApplySendLedger(ctx, tmpl, "", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}
	// Retrying the same send must not count it twice.
	if err := db.ApplySendLedger(ctx, tmpl, "", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}
	c := mustConv(t, db, "a-b")
	if got := c.Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1", got)
	}
	if c.LastMessage == nil || c.LastMessage.Summary != "hello" {
		t.Errorf("last message = %+v", c.LastMessage)
	}
}

func TestApplySendLedgerRestoresParticipant(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	err := db.RunTx(ctx, func(tx *Tx) error {
		return tx.CreateConversation(ctx, &Conversation{
			ID: "a-b", Kind: KindDirect, Participants: []Participant{{UserID: "a"}},
		}, "")
	})
	if err != nil {
		t.Fatal(err)
	}
	m := insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("increment with missing member err = %v, want ErrNotFound", err)
	}
	tmpl := &Conversation{ID: "a-b", Kind: KindDirect, Participants: []Participant{{UserID: "a"}, {UserID: "b"}}}
	if err := db.ApplySendLedger(ctx, tmpl, "", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}
	c := mustConv(t, db, "a-b")
	if len(c.Participants) != 2 || c.Unread("b") != 1 {
		t.Errorf("participants = %+v, want a and b with unread[b]=1", c.Participants)
	}
}

func TestLastMessageNeverMovesBackwards(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	newer := insertText(t, db, "a-b", "m2", "a", "second", 3_000_000)
	older := insertText(t, db, "a-b", "m1", "b", "first", 2_000_000)

	if err := db.IncrementUnread(ctx, "a-b", "b", newer.ID, newer.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread(ctx, "a-b", "a", older.ID, older.Snapshot()); err != nil {
		t.Fatal(err)
	}
	c := mustConv(t, db, "a-b")
	if c.LastMessage.MessageID != "m2" {
		t.Errorf("last message = %s, want m2", c.LastMessage.MessageID)
	}
	if c.UpdatedAt != 3_000_000 {
		t.Errorf("updatedAt = %d, want 3000000", c.UpdatedAt)
	}
}

func TestAdvanceMessageStatusNeverSkips(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)

	changed, err := db.AdvanceMessageStatus(ctx, "a-b", "m1", "b", status.Read)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("sent -> read should not apply directly")
	}
	if changed, _ := db.AdvanceMessageStatus(ctx, "a-b", "m1", "a", status.Delivered); changed {
		t.Error("sender must not advance own message")
	}
	if changed, err := db.AdvanceMessageStatus(ctx, "a-b", "m1", "b", status.Delivered); err != nil || !changed {
		t.Fatalf("delivered: changed=%v err=%v", changed, err)
	}
	if changed, err := db.AdvanceMessageStatus(ctx, "a-b", "m1", "b", status.Read); err != nil || !changed {
		t.Fatalf("read: changed=%v err=%v", changed, err)
	}
	if changed, _ := db.AdvanceMessageStatus(ctx, "a-b", "m1", "b", status.Delivered); changed {
		t.Error("read -> delivered regression applied")
	}

	m, err := db.GetMessage(ctx, "a-b", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Read || m.DeliveredAt == 0 || m.ReadAt == 0 {
		t.Errorf("message = %+v, want read with both timestamps", m)
	}
	if m.ReadAt < m.DeliveredAt {
		t.Errorf("readAt %d before deliveredAt %d", m.ReadAt, m.DeliveredAt)
	}
}

func TestMarkConversationReadRecounts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	for i, id := range []string{"m1", "m2", "m3"} {
		m := insertText(t, db, "a-b", id, "a", "hi", int64(2_000_000+i))
		if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"m1", "m2"} {
		_, _ = db.AdvanceMessageStatus(ctx, "a-b", id, "b", status.Delivered)
		_, _ = db.AdvanceMessageStatus(ctx, "a-b", id, "b", status.Read)
	}
	if err := db.MarkConversationRead(ctx, "a-b", "b"); err != nil {
		t.Fatal(err)
	}
	c := mustConv(t, db, "a-b")
	if got := c.Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1 (m3 still unread)", got)
	}
	if c.Member("b").LastReadAt == 0 {
		t.Error("lastReadAt not stamped")
	}

	// A late increment for an already counted message is a no-op.
	m3, _ := db.GetMessage(ctx, "a-b", "m3")
	if err := db.IncrementUnread(ctx, "a-b", "b", "m3", m3.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if got := mustConv(t, db, "a-b").Unread("b"); got != 1 {
		t.Errorf("unread[b] after late increment = %d, want 1", got)
	}
}

func TestMarkReadBeforeIncrementDoesNotInflate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	m := insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	_, _ = db.AdvanceMessageStatus(ctx, "a-b", "m1", "b", status.Delivered)
	_, _ = db.AdvanceMessageStatus(ctx, "a-b", "m1", "b", status.Read)
	if err := db.MarkConversationRead(ctx, "a-b", "b"); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}
	c := mustConv(t, db, "a-b")
	if got := c.Unread("b"); got != 0 {
		t.Errorf("unread[b] = %d, want 0", got)
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != "m1" || c.UpdatedAt != 2_000_000 {
		t.Errorf("last message = %+v updatedAt = %d, want m1 at 2000000", c.LastMessage, c.UpdatedAt)
	}

	// A read pass between a later insert and its increment still lets the
	// increment advance the snapshot, without counting the message twice.
	m2 := insertText(t, db, "a-b", "m2", "a", "again", 2_000_010)
	if err := db.MarkConversationRead(ctx, "a-b", "b"); err != nil {
		t.Fatal(err)
	}
	if err := db.HideConversation(ctx, "a-b", "b"); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread(ctx, "a-b", "b", m2.ID, m2.Snapshot()); err != nil {
		t.Fatal(err)
	}
	c = mustConv(t, db, "a-b")
	if got := c.Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1", got)
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != "m2" || c.UpdatedAt != 2_000_010 {
		t.Errorf("last message = %+v updatedAt = %d, want m2 at 2000010", c.LastMessage, c.UpdatedAt)
	}
	if c.Member("b").Hidden {
		t.Error("conversation still hidden for b after a new message")
	}
}

func TestRecountBeforeFirstIncrementKeepsSnapshot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	m := insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	if _, err := db.RecountAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}
	c := mustConv(t, db, "a-b")
	if c.LastMessage == nil || c.LastMessage.MessageID != "m1" {
		t.Fatalf("last message = %+v, want m1", c.LastMessage)
	}
	if got := c.Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1", got)
	}
	list, err := db.ListConversations(ctx, ConversationQuery{UserID: "b", Kind: KindDirect, Limit: 10})
	if err != nil || len(list) != 1 {
		t.Fatalf("feed of b = %v, %v", list, err)
	}
}

func TestRemoveMessageCompensates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	m1 := insertText(t, db, "a-b", "m1", "a", "first", 2_000_000)
	m2 := insertText(t, db, "a-b", "m2", "a", "second", 2_000_001)
	for _, m := range []*Message{m1, m2} {
		if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RemoveMessage(ctx, "a-b", "m2"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetMessage(ctx, "a-b", "m2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed message still present: %v", err)
	}
	c := mustConv(t, db, "a-b")
	if got := c.Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1", got)
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != "m1" {
		t.Errorf("last message = %+v, want m1", c.LastMessage)
	}
	// Removing a message that is already gone is a no-op.
	if err := db.RemoveMessage(ctx, "a-b", "m2"); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestListConversationsKeyset(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		createDirect(t, db, id, "me", "p"+id)
		m := insertText(t, db, id, "m-"+id, "p"+id, "hi", int64(2_000_000+i))
		if err := db.IncrementUnread(ctx, id, "me", m.ID, m.Snapshot()); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	var after Cursor
	for {
		page, err := db.ListConversations(ctx, ConversationQuery{UserID: "me", Kind: KindDirect, After: after, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			got = append(got, c.ID)
			if len(c.Participants) != 2 {
				t.Errorf("%s participants = %d, want 2", c.ID, len(c.Participants))
			}
		}
		last := page[len(page)-1]
		after = Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	want := []string{"c5", "c4", "c3", "c2", "c1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}

	contextual, err := db.ListConversations(ctx, ConversationQuery{UserID: "me", Kind: KindContextual})
	if err != nil {
		t.Fatal(err)
	}
	if len(contextual) != 0 {
		t.Errorf("contextual = %d, want 0", len(contextual))
	}
}

func TestHideAndResurface(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	m := insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if err := db.SetPinned(ctx, "a-b", "b", true); err != nil {
		t.Fatal(err)
	}
	if err := db.HideConversation(ctx, "a-b", "b"); err != nil {
		t.Fatal(err)
	}
	list, _ := db.ListConversations(ctx, ConversationQuery{UserID: "b", Kind: KindDirect})
	if len(list) != 0 {
		t.Fatalf("hidden conversation listed: %v", list)
	}
	list, _ = db.ListConversations(ctx, ConversationQuery{UserID: "a", Kind: KindDirect})
	if len(list) != 1 {
		t.Fatalf("peer lost the conversation: %v", list)
	}

	m2 := insertText(t, db, "a-b", "m2", "a", "again", 2_000_001)
	if err := db.IncrementUnread(ctx, "a-b", "b", m2.ID, m2.Snapshot()); err != nil {
		t.Fatal(err)
	}
	list, _ = db.ListConversations(ctx, ConversationQuery{UserID: "b", Kind: KindDirect})
	if len(list) != 1 {
		t.Fatalf("conversation did not resurface: %v", list)
	}
	if list[0].Member("b").Pinned {
		t.Error("pin should be cleared by delete")
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	sub := db.WatchConversations([]string{"a-b"}, 10)
	defer sub.Close()
	other := db.WatchConversations([]string{"x-y"}, 10)
	defer other.Close()

	m := insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	if err := db.IncrementUnread(ctx, "a-b", "b", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-sub.Events():
		ch := evt.Payload.(ConversationChange)
		if ch.Type != ChangeModified || ch.Conversation.Unread("b") != 1 {
			t.Errorf("change = %+v, want modified with unread[b]=1", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change event")
	}
	select {
	case evt := <-other.Events():
		t.Errorf("unrelated watcher got %v", evt)
	default:
	}

	// A rolled back transaction publishes nothing.
	boom := errors.New("boom")
	err := db.RunTx(ctx, func(tx *Tx) error {
		if _, err := tx.AddParticipant(ctx, "a-b", "c"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	select {
	case evt := <-sub.Events():
		t.Errorf("event after rollback: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchWithoutConfiguredBus(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nobus.db"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if db.Bus() == nil {
		t.Fatal("Bus() = nil")
	}
	createDirect(t, db, "a-b", "a", "b")
	convs := db.WatchConversations([]string{"a-b"}, 10)
	defer convs.Close()
	msgs := db.WatchMessages("a-b", 10)
	defer msgs.Close()

	insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	select {
	case evt := <-msgs.Events():
		if ch := evt.Payload.(MessageChange); ch.Message.ID != "m1" {
			t.Errorf("message change = %+v, want m1", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message event")
	}
}

func TestRunTxRetriesConflicts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	attempts := 0
	err := db.RunTx(ctx, func(tx *Tx) error {
		attempts++
		if attempts < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	err = db.RunTx(ctx, func(tx *Tx) error {
		attempts++
		return ErrConflict
	})
	if !errors.Is(err, ErrTxExhausted) {
		t.Errorf("err = %v, want ErrTxExhausted", err)
	}
	if attempts != DefaultMaxRetries {
		t.Errorf("attempts = %d, want %d", attempts, DefaultMaxRetries)
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := &Message{ID: "m1", ConversationID: "a-b", SenderID: "a", Payload: TextPayload("hi")}
	inserted, err := db.InsertMessage(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = db.InsertMessage(ctx, m)
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
	}
	if _, err := db.InsertMessage(ctx, &Message{ID: "m2", ConversationID: "a-b", SenderID: "a", Payload: Payload{Kind: PayloadImage}}); err == nil {
		t.Error("image payload without url should be rejected")
	}
}

func TestMessageActions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insertText(t, db, "a-b", "m1", "a", "hello", 2_000_000)

	if _, err := db.ToggleReaction(ctx, "a-b", "m1", "b", "👍"); err != nil {
		t.Fatal(err)
	}
	m, err := db.ToggleReaction(ctx, "a-b", "m1", "b", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Reactions["👍"]; ok {
		t.Error("empty reaction key should be removed")
	}

	if err := db.EditMessage(ctx, "a-b", "m1", "b", "hacked"); !errors.Is(err, ErrForbidden) {
		t.Errorf("edit by peer err = %v, want ErrForbidden", err)
	}
	if err := db.EditMessage(ctx, "a-b", "m1", "a", "hello there"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMessagePinned(ctx, "a-b", "m1", true); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessageFor(ctx, "a-b", "m1", "b"); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage(ctx, "a-b", "m1")
	if !m.IsEdited || m.Payload.Text.Body != "hello there" || !m.IsPinned || !m.DeletedForUser("b") {
		t.Errorf("message = %+v", m)
	}
	insertText(t, db, "a-b", "m2", "b", "reply", 2_000_005)
	list, err := db.ListMessages(ctx, "a-b", "b", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "m2" {
		t.Errorf("list for b = %v, want only m2", list)
	}
	list, _ = db.ListMessages(ctx, "a-b", "a", 0, 10)
	if len(list) != 2 || list[0].ID != "m2" || list[1].ID != "m1" {
		t.Errorf("list for a = %v, want m2, m1", list)
	}

	if err := db.RecallMessage(ctx, "a-b", "m1", "a"); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage(ctx, "a-b", "m1")
	if !m.IsRecalled || m.Payload.Kind != PayloadSystem || m.Payload.System.Body != RecalledNotice {
		t.Errorf("recalled message = %+v", m)
	}
	if err := db.EditMessage(ctx, "a-b", "m1", "a", "again"); !errors.Is(err, ErrNotEditable) {
		t.Errorf("edit after recall err = %v, want ErrNotEditable", err)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	createDirect(t, db, "a-b", "a", "b")
	insertText(t, db, "a-b", "m1", "a", "Let's meet at 50% off sale", 2_000_000)
	insertText(t, db, "a-b", "m2", "b", "see you", 2_000_001)
	insertText(t, db, "x-y", "m3", "x", "50% for strangers", 2_000_002)

	results, err := db.SearchMessages(context.Background(), "a", "", "50%", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m1" {
		t.Fatalf("results = %+v, want only m1", results)
	}
	if results[0].Snippet == "" {
		t.Error("empty snippet")
	}
}

func TestUpsertUserRefreshesSummaries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	if err := db.UpsertUser(ctx, &User{ID: "b", DisplayName: "Bea", AvatarURL: "https://x/b.png", UpdatedAt: 5}); err != nil {
		t.Fatal(err)
	}
	peer := mustConv(t, db, "a-b").Peer("a")
	if peer.DisplayName != "Bea" || peer.SummaryAt != 5 {
		t.Errorf("peer summary = %+v", peer)
	}
	// An empty field does not wipe a known value.
	if err := db.UpsertUser(ctx, &User{ID: "b", PushToken: "tok", UpdatedAt: 6}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Bea" || u.PushToken != "tok" {
		t.Errorf("user = %+v", u)
	}
}

func TestUnreadDriftAndRecount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)

	drift, err := db.UnreadDrift(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drift) != 1 || drift[0] != "a-b" {
		t.Fatalf("drift = %v, want [a-b]", drift)
	}
	if err := db.RecountUnread(ctx, "a-b"); err != nil {
		t.Fatal(err)
	}
	if got := mustConv(t, db, "a-b").Unread("b"); got != 1 {
		t.Errorf("unread[b] = %d, want 1", got)
	}
	drift, _ = db.UnreadDrift(ctx)
	if len(drift) != 0 {
		t.Errorf("drift after recount = %v", drift)
	}
}

func TestRecountAll(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	createDirect(t, db, "a-c", "a", "c")
	insertText(t, db, "a-b", "m1", "a", "hi", 2_000_000)
	insertText(t, db, "a-c", "m2", "c", "yo", 2_000_001)

	n, err := db.RecountAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("repaired = %d, want 2", n)
	}
	if got := mustConv(t, db, "a-c").Unread("a"); got != 1 {
		t.Errorf("unread[a] = %d, want 1", got)
	}
	if n, _ := db.RecountAll(ctx); n != 0 {
		t.Errorf("second sweep repaired %d, want 0", n)
	}
}

func TestListMessagesIncludesSenderClockAhead(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	createDirect(t, db, "a-b", "a", "b")
	// The store clock sits near 1_000_000; the sender stamped a far later time.
	ahead := time.Now().Add(time.Hour).UnixMilli()
	insertText(t, db, "a-b", "m1", "a", "from the future", ahead)
	insertText(t, db, "a-b", "m0", "b", "older", 2_000_000)

	list, err := db.ListMessages(ctx, "a-b", "b", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "m1" {
		t.Fatalf("newest page = %v, want m1 first", list)
	}
	page, err := db.ListMessages(ctx, "a-b", "b", ahead, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "m0" {
		t.Errorf("page before %d = %v, want m0", ahead, page)
	}
}
