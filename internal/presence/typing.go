package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/wire"
)

const (
	defaultDebounce  = 3 * time.Second
	defaultTimeout   = 5 * time.Second
	defaultSweepTick = time.Second
)

// TypingTracker records which peers are typing and debounces our own
// typing signals. Entries expire after a fixed timeout via a periodic
// sweep, or eagerly when a real message arrives from the peer.
type TypingTracker struct {
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	debounce  time.Duration
	timeout   time.Duration
	sweepTick time.Duration

	mu       sync.Mutex
	active   map[string]time.Time // peer -> last typing signal
	lastSent map[string]time.Time // recipient -> last emitted typing event
	cancel   context.CancelFunc
}

// NewTypingTracker creates a typing tracker.
func NewTypingTracker(emitter Emitter, b *bus.Bus, logger *zap.Logger) *TypingTracker {
	return &TypingTracker{
		emitter:   emitter,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		debounce:  defaultDebounce,
		timeout:   defaultTimeout,
		sweepTick: defaultSweepTick,
		active:    make(map[string]time.Time),
		lastSent:  make(map[string]time.Time),
	}
}

// Start subscribes to inbound typing events and runs the expiry sweep.
func (t *TypingTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe(bus.KindWireTyping, 256)

	go func() {
		defer unsub()
		ticker := time.NewTicker(t.sweepTick)
		defer ticker.Stop()
		for {
			select {
			case evt := <-ch:
				if ta, ok := evt.Payload.(wire.InboundTyping); ok {
					t.record(ta.Typing.SenderID)
				}
			case <-ticker.C:
				t.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker.
func (t *TypingTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// SendTyping emits a typing signal to the recipient, at most once per
// debounce window. The signal is dropped (never queued) when the window
// is still open or the channel is down.
func (t *TypingTracker) SendTyping(recipientID string) {
	now := t.now()
	t.mu.Lock()
	if last, ok := t.lastSent[recipientID]; ok && now.Sub(last) < t.debounce {
		t.mu.Unlock()
		return
	}
	t.lastSent[recipientID] = now
	t.mu.Unlock()

	if !t.emitter.IsConnected() {
		return
	}
	if err := t.emitter.Emit(wire.EventTyping, wire.TypingRequest{RecipientID: recipientID}); err != nil {
		t.logger.Debug("typing emit dropped", zap.Error(err))
	}
}

// Clear eagerly removes a peer's typing entry.
func (t *TypingTracker) Clear(peerID string) {
	t.mu.Lock()
	_, had := t.active[peerID]
	delete(t.active, peerID)
	t.mu.Unlock()

	if had {
		t.bus.Publish(bus.Now(bus.KindTypingExpired, peerID))
	}
}

// Snapshot returns a copy of the active typing map. Entries older than
// the timeout may still appear briefly between sweeps; callers comparing
// against IsTyping get the filtered view.
func (t *TypingTracker) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.active))
	for id, at := range t.active {
		out[id] = at
	}
	return out
}

// IsTyping reports whether the peer signaled typing within the timeout.
func (t *TypingTracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.active[peerID]
	return ok && t.now().Sub(at) < t.timeout
}

// record applies an inbound typing signal, last-write-wins.
func (t *TypingTracker) record(senderID string) {
	t.mu.Lock()
	t.active[senderID] = t.now()
	t.mu.Unlock()
	t.bus.Publish(bus.Now(bus.KindTypingStarted, senderID))
}

// sweep drops expired entries. An empty map costs nothing but the lock.
func (t *TypingTracker) sweep() {
	t.mu.Lock()
	if len(t.active) == 0 {
		t.mu.Unlock()
		return
	}
	now := t.now()
	var expired []string
	for id, at := range t.active {
		if now.Sub(at) >= t.timeout {
			delete(t.active, id)
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		t.bus.Publish(bus.Now(bus.KindTypingExpired, id))
	}
}
