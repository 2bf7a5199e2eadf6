package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/wire"
)

type mockEmitter struct {
	mu        sync.Mutex
	connected bool
	calls     []emitCall
}

type emitCall struct {
	Event   string
	Payload any
}

func (m *mockEmitter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockEmitter) Emit(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emitCall{Event: event, Payload: payload})
	return nil
}

func (m *mockEmitter) eventCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Event == event {
			n++
		}
	}
	return n
}

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestPresenceAppliesStreamedUpdates(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tr := NewTracker(mock, b, testLogger())
	tr.Start(context.Background())
	defer tr.Stop()

	b.Publish(bus.Now(bus.KindWirePresence, wire.InboundPresence{
		Update: wire.PresenceUpdate{UserID: "p1", Status: "online"},
	}))
	b.Publish(bus.Now(bus.KindWirePresence, wire.InboundPresence{
		Update: wire.PresenceUpdate{UserID: "p2", Status: "offline", Timestamp: "2024-01-01T00:00:00.000Z"},
	}))

	require.Eventually(t, func() bool {
		return len(tr.Snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	snap := tr.Snapshot()
	assert.True(t, snap["p1"].Online)
	assert.False(t, snap["p2"].Online)
	assert.Equal(t, 2024, snap["p2"].LastSeen.Year())
}

func TestPresenceResubscribesOnReconnect(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tr := NewTracker(mock, b, testLogger())
	tr.Start(context.Background())
	defer tr.Stop()

	tr.Track("p1", "p2")
	assert.Equal(t, 1, mock.eventCount(wire.EventPresenceSubscribe))

	b.Publish(bus.Now(bus.KindChannelConnected, nil))

	require.Eventually(t, func() bool {
		return mock.eventCount(wire.EventPresenceSubscribe) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceUntrack(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tr := NewTracker(mock, b, testLogger())

	tr.Track("p1")
	tr.Untrack("p1")
	assert.Equal(t, 1, mock.eventCount(wire.EventPresenceUnsubscribe))
	assert.Empty(t, tr.Snapshot())
}

func TestTypingDebounce(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tt := NewTypingTracker(mock, b, testLogger())

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tt.now = func() time.Time { return clock }

	tt.SendTyping("p1")
	tt.SendTyping("p1") // inside the window, dropped
	clock = clock.Add(time.Second)
	tt.SendTyping("p1") // still inside, dropped
	assert.Equal(t, 1, mock.eventCount(wire.EventTyping))

	clock = clock.Add(2500 * time.Millisecond) // window elapsed
	tt.SendTyping("p1")
	assert.Equal(t, 2, mock.eventCount(wire.EventTyping))

	// Separate recipients debounce independently.
	tt.SendTyping("p2")
	assert.Equal(t, 3, mock.eventCount(wire.EventTyping))
}

func TestTypingDroppedWhenDisconnected(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: false}
	tt := NewTypingTracker(mock, b, testLogger())

	tt.SendTyping("p1")
	assert.Equal(t, 0, mock.eventCount(wire.EventTyping))
}

func TestTypingExpiry(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tt := NewTypingTracker(mock, b, testLogger())

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tt.now = func() time.Time { return clock }

	tt.record("p1")
	assert.True(t, tt.IsTyping("p1"))

	clock = clock.Add(4 * time.Second)
	assert.True(t, tt.IsTyping("p1"))

	clock = clock.Add(2 * time.Second) // past the 5s timeout
	assert.False(t, tt.IsTyping("p1"))

	expired, unsub := b.Subscribe(bus.KindTypingExpired, 10)
	defer unsub()

	tt.sweep()
	assert.Empty(t, tt.Snapshot())

	select {
	case evt := <-expired:
		assert.Equal(t, "p1", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("typing.expired never published")
	}
}

func TestTypingClearedByRealMessage(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tt := NewTypingTracker(mock, b, testLogger())

	tt.record("p1")
	require.True(t, tt.IsTyping("p1"))

	tt.Clear("p1")
	assert.False(t, tt.IsTyping("p1"))

	// Clearing an absent entry publishes nothing and does not panic.
	tt.Clear("p1")
}

func TestInboundTypingUpdatesMap(t *testing.T) {
	b := bus.New()
	mock := &mockEmitter{connected: true}
	tt := NewTypingTracker(mock, b, testLogger())
	tt.Start(context.Background())
	defer tt.Stop()

	started, unsub := b.Subscribe(bus.KindTypingStarted, 10)
	defer unsub()

	b.Publish(bus.Now(bus.KindWireTyping, wire.InboundTyping{
		Typing: wire.TypingAction{SenderID: "p1"},
	}))

	select {
	case evt := <-started:
		assert.Equal(t, "p1", evt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("typing.started never published")
	}
	assert.True(t, tt.IsTyping("p1"))
}

func TestHeartbeatSkipsWhenDisconnected(t *testing.T) {
	mock := &mockEmitter{connected: false}
	h := NewHeartbeat(mock, testLogger())
	h.interval = 10 * time.Millisecond
	h.Start(context.Background())
	defer h.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, mock.eventCount(wire.EventHeartbeat))

	mock.mu.Lock()
	mock.connected = true
	mock.mu.Unlock()

	require.Eventually(t, func() bool {
		return mock.eventCount(wire.EventHeartbeat) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
