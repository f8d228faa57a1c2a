package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
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

// seed creates alice-bob with n messages from alice to bob, counted in bob's ledger.
func seed(t *testing.T, db *store.DB, n int) []string {
	t.Helper()
	ctx := context.Background()
	if _, err := provision.New(db, nil).EnsureDirect(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := range n {
		m := &store.Message{
			ID:             "m" + string(rune('1'+i)),
			ConversationID: "alice-bob",
			SenderID:       "alice",
			CreatedAt:      int64(1000 + i),
			Payload:        store.TextPayload("hi"),
		}
		if _, err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		if err := db.IncrementUnread(ctx, "alice-bob", "bob", m.ID, m.Snapshot()); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func messageStatus(t *testing.T, db *store.DB, id string) status.Status {
	t.Helper()
	m, err := db.GetMessage(context.Background(), "alice-bob", id)
	if err != nil {
		t.Fatal(err)
	}
	return m.Status
}

// countingStore wraps a real store to count and fail calls.
type countingStore struct {
	*store.DB
	readPasses atomic.Int32
	failMsg    string
	block      chan struct{}
	entered    chan struct{}
}

func (c *countingStore) ListPeerMessages(ctx context.Context, convID, viewerID string, st ...status.Status) ([]store.Message, error) {
	if c.block != nil {
		c.entered <- struct{}{}
		<-c.block
	}
	return c.DB.ListPeerMessages(ctx, convID, viewerID, st...)
}

func (c *countingStore) AdvanceMessageStatus(ctx context.Context, convID, msgID, viewerID string, to status.Status) (bool, error) {
	if msgID == c.failMsg {
		return false, errors.New("write rejected")
	}
	return c.DB.AdvanceMessageStatus(ctx, convID, msgID, viewerID, to)
}

func (c *countingStore) MarkConversationRead(ctx context.Context, convID, viewerID string) error {
	c.readPasses.Add(1)
	return c.DB.MarkConversationRead(ctx, convID, viewerID)
}

func TestOpenConversationDeliversThenReads(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db, 1)
	tr := NewTracker(db, 20*time.Millisecond, nil, nil)
	defer tr.Close()
	ctx := context.Background()

	n, err := tr.MarkDelivered(ctx, "alice-bob", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || messageStatus(t, db, ids[0]) != status.Delivered {
		t.Fatalf("delivered %d, status %s", n, messageStatus(t, db, ids[0]))
	}
	c, _ := db.GetConversation(ctx, "alice-bob")
	if c.LastMessage.Status != status.Delivered {
		t.Errorf("last message status = %s, want delivered", c.LastMessage.Status)
	}

	tr.ScheduleRead("alice-bob", "bob")
	deadline := time.After(2 * time.Second)
	for messageStatus(t, db, ids[0]) != status.Read {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for read pass")
		case <-time.After(10 * time.Millisecond):
		}
	}
	tr.Close()

	c, _ = db.GetConversation(ctx, "alice-bob")
	if c.Unread("bob") != 0 {
		t.Errorf("unread[bob] = %d, want 0", c.Unread("bob"))
	}
	if c.Member("bob").LastReadAt == 0 {
		t.Error("lastReadAt not stamped")
	}
	if c.LastMessage.Status != status.Read {
		t.Errorf("last message status = %s, want read", c.LastMessage.Status)
	}
}

func TestReadPassNeverSkipsDelivered(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db, 2)
	sub := db.WatchMessages("alice-bob", 16)
	defer sub.Close()

	tr := NewTracker(db, time.Hour, nil, nil)
	defer tr.Close()
	if _, err := tr.MarkRead(context.Background(), "alice-bob", "bob"); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string][]status.Status)
	timeout := time.After(time.Second)
	for len(seen[ids[0]]) < 2 || len(seen[ids[1]]) < 2 {
		select {
		case evt := <-sub.Events():
			ch := evt.Payload.(store.MessageChange)
			seen[ch.Message.ID] = append(seen[ch.Message.ID], ch.Message.Status)
		case <-timeout:
			t.Fatalf("observed %v", seen)
		}
	}
	for _, id := range ids {
		got := seen[id]
		if got[0] != status.Delivered || got[1] != status.Read {
			t.Errorf("%s transitions = %v, want [delivered read]", id, got)
		}
	}
}

func TestReadPassSkipsFailingMessage(t *testing.T) {
	db := testDB(t)
	ids := seed(t, db, 2)
	cs := &countingStore{DB: db, failMsg: ids[0]}
	tr := NewTracker(cs, time.Hour, nil, nil)
	defer tr.Close()

	n, err := tr.MarkRead(context.Background(), "alice-bob", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("advanced = %d, want 1", n)
	}
	if messageStatus(t, db, ids[0]) != status.Sent || messageStatus(t, db, ids[1]) != status.Read {
		t.Errorf("statuses = %s/%s", messageStatus(t, db, ids[0]), messageStatus(t, db, ids[1]))
	}
	c, _ := db.GetConversation(context.Background(), "alice-bob")
	if c.Unread("bob") != 1 {
		t.Errorf("unread[bob] = %d, want 1 for the skipped message", c.Unread("bob"))
	}
}

func TestConcurrentReadPassIsDropped(t *testing.T) {
	db := testDB(t)
	seed(t, db, 1)
	cs := &countingStore{DB: db, block: make(chan struct{}), entered: make(chan struct{}, 1)}
	tr := NewTracker(cs, time.Hour, nil, nil)
	defer tr.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := tr.MarkRead(context.Background(), "alice-bob", "bob"); err != nil {
			t.Errorf("first pass: %v", err)
		}
	}()
	<-cs.entered

	if _, err := tr.MarkRead(context.Background(), "alice-bob", "bob"); !errors.Is(err, ErrPassInFlight) {
		t.Errorf("second pass err = %v, want ErrPassInFlight", err)
	}
	close(cs.block)
	wg.Wait()
	if got := cs.readPasses.Load(); got != 1 {
		t.Errorf("read passes = %d, want 1", got)
	}
}

func TestScheduleReadReplacesPending(t *testing.T) {
	db := testDB(t)
	seed(t, db, 1)
	cs := &countingStore{DB: db}
	tr := NewTracker(cs, 50*time.Millisecond, nil, nil)
	defer tr.Close()

	for range 5 {
		tr.ScheduleRead("alice-bob", "bob")
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.Pending("alice-bob", "bob") {
		t.Fatal("expected a pending pass")
	}
	time.Sleep(200 * time.Millisecond)
	if got := cs.readPasses.Load(); got != 1 {
		t.Errorf("read passes = %d, want 1", got)
	}
	if tr.Pending("alice-bob", "bob") {
		t.Error("pass still pending after firing")
	}
}

func TestCancelAndClose(t *testing.T) {
	db := testDB(t)
	seed(t, db, 1)
	cs := &countingStore{DB: db}
	tr := NewTracker(cs, 20*time.Millisecond, nil, nil)

	tr.ScheduleRead("alice-bob", "bob")
	tr.Cancel("alice-bob", "bob")
	tr.ScheduleRead("alice-bob", "alice")
	tr.Close()
	tr.ScheduleRead("alice-bob", "bob")
	time.Sleep(80 * time.Millisecond)

	if got := cs.readPasses.Load(); got != 0 {
		t.Errorf("read passes = %d, want 0", got)
	}
}

func TestRepeatedPassesAreNoOps(t *testing.T) {
	db := testDB(t)
	seed(t, db, 1)
	tr := NewTracker(db, time.Hour, nil, nil)
	defer tr.Close()
	ctx := context.Background()

	if _, err := tr.MarkRead(ctx, "alice-bob", "bob"); err != nil {
		t.Fatal(err)
	}
	if n, err := tr.MarkDelivered(ctx, "alice-bob", "bob"); err != nil || n != 0 {
		t.Errorf("MarkDelivered after read = %d, %v", n, err)
	}
	if n, err := tr.MarkRead(ctx, "alice-bob", "bob"); err != nil || n != 0 {
		t.Errorf("second MarkRead = %d, %v", n, err)
	}
	// The sender never advances its own messages.
	if n, _ := tr.MarkDelivered(ctx, "alice-bob", "alice"); n != 0 {
		t.Errorf("sender advanced %d own messages", n)
	}
}
