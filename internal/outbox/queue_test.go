package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/status"
	"github.com/fieldops/relay/internal/store"
	"github.com/fieldops/relay/internal/wire"
)

// mockEmitter records emits and acks them according to script. With no
// script entries left it withholds the ack (message stays in flight).
type mockEmitter struct {
	mu        sync.Mutex
	connected bool
	calls     []emitCall
	script    []wire.Ack
	held      []func(wire.Ack)
}

type emitCall struct {
	Event   string
	Message wire.Message
}

func (m *mockEmitter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockEmitter) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockEmitter) EmitWithAck(event string, payload any, ack func(wire.Ack)) error {
	env := payload.(wire.MessageEnvelope)
	m.mu.Lock()
	m.calls = append(m.calls, emitCall{Event: event, Message: env.Message})
	if len(m.script) == 0 {
		m.held = append(m.held, ack)
		m.mu.Unlock()
		return nil
	}
	a := m.script[0]
	m.script = m.script[1:]
	m.mu.Unlock()
	// Acks arrive asynchronously in production.
	go ack(a)
	return nil
}

func (m *mockEmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockEmitter) callIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.calls))
	for i, c := range m.calls {
		ids[i] = c.Message.ID
	}
	return ids
}

func (m *mockEmitter) releaseHeld(a wire.Ack) {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for _, ack := range held {
		ack(a)
	}
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testQueue(t *testing.T, db *store.DB, mock *mockEmitter) (*Queue, *bus.Bus) {
	t.Helper()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	q := NewQueue(db, mock, b, logger)
	q.retryBase = 20 * time.Millisecond
	q.retryCap = 200 * time.Millisecond
	return q, b
}

func insertPending(t *testing.T, db *store.DB, id, peer string, ts int64) {
	t.Helper()
	err := db.UpsertMessage(&store.Message{
		ID: id, ConversationID: peer, SenderID: "me", RecipientID: peer,
		Content: "hello " + id, MessageType: store.TypeText,
		Status: status.Pending, Timestamp: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitForStatus(t *testing.T, db *store.DB, id string, want status.Status) *store.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := db.GetByID(id)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil && m.Status == want {
			return m
		}
		time.Sleep(10 * time.Millisecond)
	}
	m, _ := db.GetByID(id)
	t.Fatalf("message %s never reached %s (now %+v)", id, want, m)
	return nil
}

func TestSendSuccessMarksSent(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true, script: []wire.Ack{{Acknowledged: true}}}
	q, b := testQueue(t, db, mock)

	ackCh, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	insertPending(t, db, "m1", "p1", 1000)
	q.Start(context.Background())
	defer q.Stop()

	m := waitForStatus(t, db, "m1", status.Sent)
	if m.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", m.RetryCount)
	}

	select {
	case <-ackCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}

	if got := mock.callIDs(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("calls = %v, want [m1]", got)
	}
}

// Two PENDING messages to the same peer: the newer one must not be
// attempted while the older is in flight.
func TestPerConversationFIFO(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true} // withholds acks
	q, _ := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)
	insertPending(t, db, "m2", "p1", 2000)

	q.Start(context.Background())
	defer q.Stop()

	// Give the queue several scan rounds.
	time.Sleep(100 * time.Millisecond)
	if got := mock.callIDs(); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("calls = %v, want only [m1] while m1 is in flight", got)
	}

	// Once m1 is acknowledged, m2 becomes eligible.
	mock.releaseHeld(wire.Ack{Acknowledged: true})
	waitForStatus(t, db, "m1", status.Sent)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ids := mock.callIDs(); len(ids) == 2 {
			if ids[1] != "m2" {
				t.Fatalf("calls = %v, want [m1 m2]", ids)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("m2 never attempted, calls = %v", mock.callIDs())
}

// Conversations are independent: one peer's in-flight send must not block
// another peer's.
func TestConversationsProcessedInParallel(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true}
	q, _ := testQueue(t, db, mock)

	insertPending(t, db, "a1", "p1", 1000)
	insertPending(t, db, "b1", "p2", 1000)

	q.Start(context.Background())
	defer q.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mock.callCount() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("calls = %v, want attempts for both conversations", mock.callIDs())
}

func TestRetryAfterRejectedAck(t *testing.T) {
	db := testDB(t)
	// First attempt rejected, second acknowledged: Scenario A.
	mock := &mockEmitter{connected: true, script: []wire.Ack{
		{Acknowledged: false, Error: "server busy"},
		{Acknowledged: true},
	}}
	q, _ := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)
	q.Start(context.Background())
	defer q.Stop()

	m := waitForStatus(t, db, "m1", status.Sent)
	if m.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1 (one failed attempt)", m.RetryCount)
	}
	if got := mock.callCount(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRetryExhaustionTurnsFailed(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true, script: []wire.Ack{
		{Acknowledged: false, Error: "e1"},
		{Acknowledged: false, Error: "e2"},
		{Acknowledged: false, Error: "e3"},
		{Acknowledged: false, Error: "e4"},
		{Acknowledged: false, Error: "e5"},
	}}
	q, b := testQueue(t, db, mock)

	failCh, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	insertPending(t, db, "m1", "p1", 1000)
	q.Start(context.Background())
	defer q.Stop()

	m := waitForStatus(t, db, "m1", status.Failed)
	if m.RetryCount != MaxRetries {
		t.Errorf("retry_count = %d, want %d", m.RetryCount, MaxRetries)
	}
	if m.NextRetryAt != 0 {
		t.Errorf("next_retry_at = %d, want 0 for terminal failure", m.NextRetryAt)
	}

	select {
	case <-failCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	// No auto-retry after terminal failure.
	calls := mock.callCount()
	time.Sleep(150 * time.Millisecond)
	if mock.callCount() != calls {
		t.Errorf("attempts grew after terminal failure: %d -> %d", calls, mock.callCount())
	}
	if calls != MaxRetries {
		t.Errorf("attempts = %d, want %d", calls, MaxRetries)
	}
}

func TestBackoffDelays(t *testing.T) {
	q := &Queue{retryBase: time.Second, retryCap: 60 * time.Second}

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // capped
		{10, 60 * time.Second},
	}
	for _, c := range cases {
		if got := q.retryDelay(c.retryCount); got != c.want {
			t.Errorf("retryDelay(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestBatchSkippedWhileDisconnected(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: false, script: []wire.Ack{{Acknowledged: true}}}
	q, b := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)
	q.Start(context.Background())
	defer q.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := mock.callCount(); got != 0 {
		t.Fatalf("attempts = %d while disconnected, want 0", got)
	}

	// Reconnect re-fires the scan even with no new writes.
	mock.setConnected(true)
	b.Publish(bus.Now(bus.KindChannelConnected, nil))

	waitForStatus(t, db, "m1", status.Sent)
}

func TestInFlightNotDoubleSent(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true} // withholds ack
	q, b := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)
	q.Start(context.Background())
	defer q.Stop()

	// Hammer the queue with re-emissions of the same snapshot.
	for i := 0; i < 10; i++ {
		b.Publish(bus.Now(bus.KindMessageUpserted, nil))
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := mock.callCount(); got != 1 {
		t.Errorf("attempts = %d, want 1 (in-flight marker must dedupe)", got)
	}
}

func TestTransportErrorEntersRetryPath(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true}
	q, _ := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)

	// First scan: connected, but the emit itself blows up.
	failing := &failingEmitter{inner: mock}
	q.emitter = failing
	q.Start(context.Background())
	defer q.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m, _ := db.GetByID("m1")
		if m != nil && m.RetryCount > 0 && m.Status == status.Pending {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("transport error never recorded as retry")
}

type failingEmitter struct {
	inner *mockEmitter
}

func (f *failingEmitter) IsConnected() bool { return f.inner.IsConnected() }

func (f *failingEmitter) EmitWithAck(string, any, func(wire.Ack)) error {
	return context.DeadlineExceeded
}

func TestManualRetryResetsAndResends(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true, script: []wire.Ack{{Acknowledged: true}}}
	q, _ := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)
	if err := db.UpdateStatusAndRetry("m1", status.Failed, MaxRetries, 0); err != nil {
		t.Fatal(err)
	}

	q.Start(context.Background())
	defer q.Stop()

	// FAILED messages are never auto-retried.
	time.Sleep(100 * time.Millisecond)
	if got := mock.callCount(); got != 0 {
		t.Fatalf("attempts = %d for FAILED message, want 0", got)
	}

	if err := q.RetryFailed("m1"); err != nil {
		t.Fatal(err)
	}
	m := waitForStatus(t, db, "m1", status.Sent)
	if m.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after manual retry", m.RetryCount)
	}
}

func TestRetryFailedRejectsWrongStatus(t *testing.T) {
	db := testDB(t)
	q, _ := testQueue(t, db, &mockEmitter{})

	insertPending(t, db, "m1", "p1", 1000)
	if err := db.UpdateStatus("m1", status.Sent); err != nil {
		t.Fatal(err)
	}
	if err := q.RetryFailed("m1"); err == nil {
		t.Error("expected error retrying a SENT message")
	}
	if err := q.RetryFailed("missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestDeleteFailedKeepsRow(t *testing.T) {
	db := testDB(t)
	q, _ := testQueue(t, db, &mockEmitter{})

	insertPending(t, db, "m1", "p1", 1000)
	if err := db.UpdateStatusAndRetry("m1", status.Failed, MaxRetries, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.DeleteFailed("m1"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetByID("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("row physically removed; soft delete expected")
	}
	if m.Status != status.Deleted {
		t.Errorf("status = %s, want DELETED", m.Status)
	}
}

func TestStaleAckIgnored(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true}
	q, _ := testQueue(t, db, mock)

	insertPending(t, db, "m1", "p1", 1000)
	q.Start(context.Background())
	defer q.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && mock.callCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if mock.callCount() == 0 {
		t.Fatal("message never attempted")
	}

	// First resolution wins; replaying the same ack must be a no-op.
	mock.mu.Lock()
	held := mock.held[0]
	mock.mu.Unlock()

	held(wire.Ack{Acknowledged: true})
	waitForStatus(t, db, "m1", status.Sent)
	held(wire.Ack{Acknowledged: false, Error: "late duplicate"})

	time.Sleep(50 * time.Millisecond)
	m, _ := db.GetByID("m1")
	if m.Status != status.Sent {
		t.Errorf("status = %s after duplicate ack, want SENT", m.Status)
	}
}

func TestStartIdempotent(t *testing.T) {
	db := testDB(t)
	mock := &mockEmitter{connected: true, script: []wire.Ack{{Acknowledged: true}}}
	q, _ := testQueue(t, db, mock)

	q.Start(context.Background())
	q.Start(context.Background()) // no second loop
	defer q.Stop()

	insertPending(t, db, "m1", "p1", 1000)
	waitForStatus(t, db, "m1", status.Sent)

	if got := mock.callCount(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}
