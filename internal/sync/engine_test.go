package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/provision"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{Bus: bus.New()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeTracker struct {
	mu        gosync.Mutex
	delivered []string
	scheduled []string
	cancelled []string
	calls     chan string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{calls: make(chan string, 64)}
}

func (f *fakeTracker) MarkDelivered(_ context.Context, convID, _ string) (int, error) {
	f.mu.Lock()
	f.delivered = append(f.delivered, convID)
	f.mu.Unlock()
	f.calls <- "delivered:" + convID
	return 0, nil
}

func (f *fakeTracker) ScheduleRead(convID, _ string) {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, convID)
	f.mu.Unlock()
}

func (f *fakeTracker) Cancel(convID, _ string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, convID)
	f.mu.Unlock()
}

func (f *fakeTracker) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered), len(f.scheduled), len(f.cancelled)
}

func waitCall(t *testing.T, f *fakeTracker, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Fatalf("call = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func sendFrom(t *testing.T, db *store.DB, sender, id string) {
	t.Helper()
	m := &store.Message{
		ID:             id,
		ConversationID: "alice-bob",
		SenderID:       sender,
		CreatedAt:      time.Now().UnixMilli(),
		Payload:        store.TextPayload("hi"),
	}
	if _, err := db.InsertMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

func TestOpenViewBeforeStart(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, db.Bus(), newFakeTracker(), "bob", nil)
	if _, err := e.OpenView(context.Background(), "alice-bob"); err != ErrNotStarted {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestOpenViewTriggersDelivery(t *testing.T) {
	db := testDB(t)
	ft := newFakeTracker()
	e := NewEngine(db, db.Bus(), ft, "bob", nil)
	e.Start(context.Background())
	defer e.Stop()

	v, err := e.OpenView(context.Background(), "alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	waitCall(t, ft, "delivered:alice-bob")
	if d, s, _ := ft.counts(); d != 1 || s != 1 {
		t.Fatalf("delivered=%d scheduled=%d, want 1/1", d, s)
	}

	v.Close()
	v.Close()
	if _, _, c := ft.counts(); c != 1 {
		t.Fatalf("cancelled = %d, want 1", c)
	}
	if len(e.OpenViews()) != 0 {
		t.Fatalf("open views = %v", e.OpenViews())
	}
}

func TestPeerMessageInOpenView(t *testing.T) {
	db := testDB(t)
	if _, err := provision.New(db, nil).EnsureDirect(context.Background(), "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTracker()
	e := NewEngine(db, db.Bus(), ft, "bob", nil)
	e.Start(context.Background())
	defer e.Stop()

	v, err := e.OpenView(context.Background(), "alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	waitCall(t, ft, "delivered:alice-bob")

	sendFrom(t, db, "alice", "m1")
	waitCall(t, ft, "delivered:alice-bob")

	// The viewer's own messages do not trigger a pass.
	sendFrom(t, db, "bob", "m2")
	select {
	case got := <-ft.calls:
		t.Fatalf("unexpected call %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessageOutsideOpenViewIgnored(t *testing.T) {
	db := testDB(t)
	if _, err := provision.New(db, nil).EnsureDirect(context.Background(), "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTracker()
	e := NewEngine(db, db.Bus(), ft, "bob", nil)
	e.Start(context.Background())
	defer e.Stop()

	sendFrom(t, db, "alice", "m1")
	select {
	case got := <-ft.calls:
		t.Fatalf("unexpected call %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestViewRefCount(t *testing.T) {
	db := testDB(t)
	ft := newFakeTracker()
	e := NewEngine(db, db.Bus(), ft, "bob", nil)
	e.Start(context.Background())
	defer e.Stop()

	a, err := e.OpenView(context.Background(), "alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.OpenView(context.Background(), "alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	a.Close()
	if _, _, c := ft.counts(); c != 0 {
		t.Fatalf("cancelled with a view still open")
	}
	b.Close()
	if _, _, c := ft.counts(); c != 1 {
		t.Fatalf("cancelled = %d, want 1", c)
	}
}

func TestViewMessagesAndEvents(t *testing.T) {
	db := testDB(t)
	if _, err := provision.New(db, nil).EnsureDirect(context.Background(), "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	sendFrom(t, db, "alice", "m1")

	e := NewEngine(db, db.Bus(), newFakeTracker(), "bob", nil)
	e.Start(context.Background())
	defer e.Stop()

	v, err := e.OpenView(context.Background(), "alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	msgs, err := v.Messages(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v", msgs)
	}

	sendFrom(t, db, "alice", "m2")
	select {
	case evt := <-v.Events():
		ch, ok := evt.Payload.(store.MessageChange)
		if !ok || ch.Message.ID != "m2" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message event")
	}
}

func TestEngineDrivesReadEndToEnd(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := provision.New(db, nil).EnsureDirect(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	tr := delivery.NewTracker(db, 20*time.Millisecond, nil, nil)
	defer tr.Close()
	e := NewEngine(db, db.Bus(), tr, "bob", nil)
	e.Start(ctx)
	defer e.Stop()

	v, err := e.OpenView(ctx, "alice-bob")
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	m := &store.Message{ID: "m1", ConversationID: "alice-bob", SenderID: "alice", CreatedAt: 5000, Payload: store.TextPayload("hi")}
	if _, err := db.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementUnread(ctx, "alice-bob", "bob", m.ID, m.Snapshot()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := db.GetMessage(ctx, "alice-bob", "m1")
		if err != nil {
			t.Fatal(err)
		}
		conv, err := db.GetConversation(ctx, "alice-bob")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == status.Read && conv.Unread("bob") == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("message never reached read")
}

func TestStopCancelsOpenViews(t *testing.T) {
	db := testDB(t)
	ft := newFakeTracker()
	e := NewEngine(db, db.Bus(), ft, "bob", nil)
	e.Start(context.Background())
	if _, err := e.OpenView(context.Background(), "alice-bob"); err != nil {
		t.Fatal(err)
	}
	e.Stop()
	e.Stop()
	if _, _, c := ft.counts(); c != 1 {
		t.Fatalf("cancelled = %d, want 1", c)
	}
}
