// Package receipts handles delivery and seen confirmations in both
// directions.
package receipts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/status"
	"github.com/fieldops/relay/internal/store"
	"github.com/fieldops/relay/internal/wire"
)

// Emitter sends fire-and-forget receipt events. Receipts are not retried.
type Emitter interface {
	Emit(event string, payload any) error
}

// Tracker applies inbound receipts to local messages and emits outbound
// seen confirmations.
type Tracker struct {
	selfID  string
	db      *store.DB
	bus     *bus.Bus
	emitter Emitter
	logger  *zap.Logger
	now     func() time.Time
	cancel  context.CancelFunc
}

// NewTracker creates a receipt tracker.
func NewTracker(selfID string, db *store.DB, b *bus.Bus, emitter Emitter, logger *zap.Logger) *Tracker {
	return &Tracker{
		selfID:  selfID,
		db:      db,
		bus:     b,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// Start subscribes to decoded receipt events.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("wire.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch payload := evt.Payload.(type) {
				case wire.InboundDelivered:
					t.handleDelivered(payload.Receipt)
				case wire.InboundSeen:
					t.handleSeen(payload.Receipt)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// handleDelivered moves a message to DELIVERED when the peer confirms
// receipt. A receipt for an unknown message is logged and dropped.
func (t *Tracker) handleDelivered(r wire.DeliveredReceipt) {
	m, err := t.db.GetByID(r.MessageID)
	if err != nil {
		t.logger.Error("failed to load message for delivery receipt",
			zap.Error(err), zap.String("id", r.MessageID))
		return
	}
	if m == nil {
		t.logger.Info("delivery receipt for unknown message", zap.String("id", r.MessageID))
		return
	}
	if !status.CanTransition(m.Status, status.Delivered) {
		return
	}
	if err := t.db.UpdateStatus(m.ID, status.Delivered); err != nil {
		t.logger.Error("failed to mark delivered", zap.Error(err), zap.String("id", m.ID))
		return
	}
	t.bus.Publish(bus.Now(bus.KindMessageDelivered, map[string]string{"id": m.ID, "peer": m.ConversationID}))
	t.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": m.ID, "peer": m.ConversationID}))
}

// handleSeen moves a message to READ. Already-READ messages are skipped
// entirely: no store write, no downstream event.
func (t *Tracker) handleSeen(r wire.SeenReceipt) {
	m, err := t.db.GetByID(r.MessageID)
	if err != nil {
		t.logger.Error("failed to load message for seen receipt",
			zap.Error(err), zap.String("id", r.MessageID))
		return
	}
	if m == nil {
		t.logger.Info("seen receipt for unknown message", zap.String("id", r.MessageID))
		return
	}
	if m.Status == status.Read {
		return
	}
	if !status.CanTransition(m.Status, status.Read) {
		return
	}
	if err := t.db.UpdateStatus(m.ID, status.Read); err != nil {
		t.logger.Error("failed to mark read", zap.Error(err), zap.String("id", m.ID))
		return
	}
	t.bus.Publish(bus.Now(bus.KindMessageSeen, map[string]string{"id": m.ID, "peer": m.ConversationID}))
	t.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": m.ID, "peer": m.ConversationID}))
}

// MarkConversationSeen marks every unseen message from peerID as READ
// locally, then emits one seen confirmation per message. The local batch
// commits first; the emissions are fire-and-forget so the UI never waits
// on the network. With nothing unseen, the call is a complete no-op.
func (t *Tracker) MarkConversationSeen(peerID string) error {
	ids, err := t.db.UnseenMessageIDs(peerID, t.selfID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := t.db.MarkRead(ids); err != nil {
		return err
	}
	t.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"peer": peerID}))

	ts := wire.FormatTimestamp(t.now())
	for _, id := range ids {
		receipt := wire.SeenReceipt{
			MessageID: id,
			Seen:      wire.ReceiptInfo{By: t.selfID, Timestamp: ts},
		}
		if err := t.emitter.Emit(wire.EventMessageSeen, receipt); err != nil {
			t.logger.Warn("failed to emit seen receipt",
				zap.Error(err), zap.String("id", id))
		}
	}
	return nil
}
