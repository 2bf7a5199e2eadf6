// Package channel maintains the persistent event-stream connection to the
// chat server: named-event emit with optional acknowledgment, handler
// registration that survives reconnects, and an auto-reconnect loop.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/wire"
)

// ErrNotConnected is returned when an emit is dropped because the channel
// has no live connection. The channel never queues frames; durable
// queuing is the store's job via the PENDING status.
var ErrNotConnected = errors.New("channel: not connected")

// ErrMissingToken is returned by Connect when no credential is configured.
var ErrMissingToken = errors.New("channel: auth token missing")

// Handler receives the raw payload of a named inbound event.
type Handler func(data json.RawMessage)

// frame is the wire framing: a named event, an optional ack correlation
// id, and the JSON payload. Acks come back as event "ack" with the same id.
type frame struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const ackEvent = "ack"

// Config holds the endpoint and credential for the channel.
type Config struct {
	URL   string
	Token string
}

// Channel is the persistent bidirectional event connection.
type Channel struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	ackMu   sync.Mutex
	nextAck uint64
	pending map[uint64]func(wire.Ack)
}

// New creates a channel. Connect must be called to go live; handlers may
// be registered before that and survive every reconnect.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:    Disconnected,
		handlers: make(map[string][]Handler),
		pending:  make(map[uint64]func(wire.Ack)),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether frames can currently be emitted.
func (c *Channel) IsConnected() bool {
	return c.State() == Connected
}

// On registers a handler for a named inbound event. Multiple handlers per
// event are additive. Registration is process-lifetime: it applies to the
// current connection and every future one.
func (c *Channel) On(event string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlerMu.Unlock()
}

// Connect starts the connection loop. No-op if already started. A missing
// credential is a hard failure: the state moves to ERROR and no reconnect
// loop is started.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	if c.cfg.Token == "" {
		c.transitionLocked(Connecting)
		c.transitionLocked(Errored)
		c.mu.Unlock()
		c.bus.Publish(bus.Now(bus.KindChannelError, "auth token missing"))
		return ErrMissingToken
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Disconnect stops the connection loop and closes the socket. In-flight
// acks are failed; handler registrations are kept.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Emit sends a named event without expecting an acknowledgment. Dropped
// with a warning when not connected.
func (c *Channel) Emit(event string, payload any) error {
	return c.emit(event, payload, 0)
}

// EmitWithAck sends a named event and invokes ack exactly once: either
// with the server's acknowledgment or with a synthetic failure if the
// connection drops first.
func (c *Channel) EmitWithAck(event string, payload any, ack func(wire.Ack)) error {
	c.ackMu.Lock()
	c.nextAck++
	id := c.nextAck
	c.pending[id] = ack
	c.ackMu.Unlock()

	if err := c.emit(event, payload, id); err != nil {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
		return err
	}
	return nil
}

func (c *Channel) emit(event string, payload any, ackID uint64) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn("emit dropped, channel not connected", zap.String("event", event))
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame{Event: event, ID: ackID, Data: data}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer c.transition(Disconnected)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.transition(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.transition(Errored)
			c.bus.Publish(bus.Now(bus.KindChannelError, err.Error()))
			attempt++
			delay := reconnectDelay(attempt - 1)
			c.logger.Warn("connect failed, backing off",
				zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.transitionLocked(Connected)
		c.mu.Unlock()
		c.logger.Info("channel connected", zap.String("url", c.cfg.URL))
		c.bus.Publish(bus.Now(bus.KindChannelConnected, nil))

		readErr := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.transitionLocked(Disconnected)
		c.mu.Unlock()
		c.failPending("connection lost")
		c.bus.Publish(bus.Now(bus.KindChannelDisconnected, nil))

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("channel disconnected", zap.Error(readErr))
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// readLoop consumes frames until the connection breaks. Ack frames
// resolve their pending callback; everything else is fanned out to the
// registered handlers. A panicking handler is isolated and logged.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		if f.Event == ackEvent {
			c.resolveAck(f)
			continue
		}

		c.handlerMu.RLock()
		handlers := c.handlers[f.Event]
		c.handlerMu.RUnlock()
		if len(handlers) == 0 {
			c.logger.Debug("no handler for inbound event", zap.String("event", f.Event))
			continue
		}
		for _, h := range handlers {
			c.invoke(f.Event, h, f.Data)
		}
	}
}

func (c *Channel) invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(data)
}

func (c *Channel) resolveAck(f frame) {
	c.ackMu.Lock()
	ack, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.ackMu.Unlock()
	if !ok {
		return
	}

	var payload wire.Ack
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		payload = wire.Ack{Acknowledged: false, Error: "malformed ack: " + err.Error()}
	}
	ack(payload)
}

// failPending resolves every outstanding ack callback with a synthetic
// failure. Each callback still fires exactly once.
func (c *Channel) failPending(reason string) {
	c.ackMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]func(wire.Ack))
	c.ackMu.Unlock()

	for _, ack := range pending {
		ack(wire.Ack{Acknowledged: false, Error: reason})
	}
}

func (c *Channel) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(to)
}

func (c *Channel) transitionLocked(to State) {
	if c.state == to {
		return
	}
	if !canTransition(c.state, to) {
		c.logger.Warn("invalid channel state transition",
			zap.String("from", string(c.state)), zap.String("to", string(to)))
		return
	}
	c.state = to
}
