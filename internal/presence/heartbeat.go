package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/wire"
)

const defaultHeartbeatInterval = 10 * time.Second

// Heartbeat emits a periodic no-payload keepalive while the channel is
// connected. Disconnected ticks are skipped, never backlogged.
type Heartbeat struct {
	emitter  Emitter
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewHeartbeat creates a heartbeat loop.
func NewHeartbeat(emitter Emitter, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		emitter:  emitter,
		logger:   logger,
		interval: defaultHeartbeatInterval,
	}
}

// Start begins ticking.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !h.emitter.IsConnected() {
					continue
				}
				if err := h.emitter.Emit(wire.EventHeartbeat, struct{}{}); err != nil {
					h.logger.Debug("heartbeat dropped", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}
