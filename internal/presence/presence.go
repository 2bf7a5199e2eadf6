// Package presence tracks ephemeral peer state: online/offline, typing
// indicators, and the outbound heartbeat. Nothing here is persisted;
// state is rebuilt from the stream after every restart.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/wire"
)

// Emitter is the slice of the event channel presence needs.
type Emitter interface {
	IsConnected() bool
	Emit(event string, payload any) error
}

// PeerPresence is one peer's reachability.
type PeerPresence struct {
	Online   bool
	LastSeen time.Time // zero when never reported
}

// Tracker maintains the in-memory presence map from streamed updates and
// re-subscribes the tracked peer set after every reconnect.
type Tracker struct {
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	peers   map[string]PeerPresence
	tracked map[string]struct{}
	cancel  context.CancelFunc
}

// NewTracker creates a presence tracker.
func NewTracker(emitter Emitter, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		emitter: emitter,
		bus:     b,
		logger:  logger,
		peers:   make(map[string]PeerPresence),
		tracked: make(map[string]struct{}),
	}
}

// Start subscribes to presence updates and reconnects.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	updates, unsubUpdates := t.bus.Subscribe(bus.KindWirePresence, 256)
	connects, unsubConnects := t.bus.Subscribe(bus.KindChannelConnected, 4)

	go func() {
		defer unsubUpdates()
		defer unsubConnects()
		for {
			select {
			case evt := <-updates:
				if p, ok := evt.Payload.(wire.InboundPresence); ok {
					t.apply(p.Update)
				}
			case <-connects:
				t.resubscribe()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker. The map is left as-is; it is ephemeral anyway.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Track adds peers to the subscribed set and, when connected, tells the
// server to start streaming their presence.
func (t *Tracker) Track(peerIDs ...string) {
	if len(peerIDs) == 0 {
		return
	}
	t.mu.Lock()
	for _, id := range peerIDs {
		t.tracked[id] = struct{}{}
	}
	t.mu.Unlock()

	if t.emitter.IsConnected() {
		if err := t.emitter.Emit(wire.EventPresenceSubscribe, wire.PresenceSubscription{UserIDs: peerIDs}); err != nil {
			t.logger.Warn("presence subscribe failed", zap.Error(err))
		}
	}
}

// Untrack removes peers from the subscribed set.
func (t *Tracker) Untrack(peerIDs ...string) {
	if len(peerIDs) == 0 {
		return
	}
	t.mu.Lock()
	for _, id := range peerIDs {
		delete(t.tracked, id)
		delete(t.peers, id)
	}
	t.mu.Unlock()

	if t.emitter.IsConnected() {
		if err := t.emitter.Emit(wire.EventPresenceUnsubscribe, wire.PresenceSubscription{UserIDs: peerIDs}); err != nil {
			t.logger.Warn("presence unsubscribe failed", zap.Error(err))
		}
	}
}

// Snapshot returns a copy of the current presence map.
func (t *Tracker) Snapshot() map[string]PeerPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]PeerPresence, len(t.peers))
	for id, p := range t.peers {
		out[id] = p
	}
	return out
}

func (t *Tracker) apply(u wire.PresenceUpdate) {
	p := PeerPresence{
		Online:   u.Status == wire.Online,
		LastSeen: wire.ParseTimestamp(u.Timestamp, time.Time{}),
	}
	t.mu.Lock()
	t.peers[u.UserID] = p
	t.mu.Unlock()

	t.bus.Publish(bus.Now(bus.KindPresenceChanged, map[string]any{
		"peer":   u.UserID,
		"online": p.Online,
	}))
}

// resubscribe replays the tracked set onto a fresh connection.
func (t *Tracker) resubscribe() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.tracked))
	for id := range t.tracked {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := t.emitter.Emit(wire.EventPresenceSubscribe, wire.PresenceSubscription{UserIDs: ids}); err != nil {
		t.logger.Warn("presence resubscribe failed", zap.Error(err))
	}
}
