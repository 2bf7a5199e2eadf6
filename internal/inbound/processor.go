// Package inbound consumes the incoming-message stream: idempotent
// persistence, attachment download policy, and delivery receipts.
package inbound

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/status"
	"github.com/fieldops/relay/internal/store"
	"github.com/fieldops/relay/internal/wire"
)

// AutoDownloadLimit is the attachment size (bytes) up to which a download
// is started automatically; larger files wait for an explicit request.
const AutoDownloadLimit = 5 << 20 // 5 MiB

// Emitter sends fire-and-forget events (delivery receipts).
type Emitter interface {
	Emit(event string, payload any) error
}

// TypingClearer drops a peer's active typing indicator. A real message
// from a peer implies they stopped typing.
type TypingClearer interface {
	Clear(peerID string)
}

// Processor ingests inbound messages from the bus. One message's failure
// never kills the subscription.
type Processor struct {
	selfID  string
	db      *store.DB
	bus     *bus.Bus
	emitter Emitter
	typing  TypingClearer
	logger  *zap.Logger
	now     func() time.Time
	cancel  context.CancelFunc
}

// NewProcessor creates an inbound processor. selfID is the local user's
// identity; while it is empty, message handling is paused.
func NewProcessor(selfID string, db *store.DB, b *bus.Bus, emitter Emitter, typing TypingClearer, logger *zap.Logger) *Processor {
	return &Processor{
		selfID:  selfID,
		db:      db,
		bus:     b,
		emitter: emitter,
		typing:  typing,
		logger:  logger,
		now:     time.Now,
	}
}

// Start subscribes to decoded inbound message events.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.bus.Subscribe(bus.KindWireMessage, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				msg, ok := evt.Payload.(wire.InboundMessage)
				if !ok {
					continue
				}
				if err := p.handle(msg.Message); err != nil {
					p.logger.Error("failed to process inbound message",
						zap.Error(err), zap.String("id", msg.Message.ID))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the processor.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Processor) handle(msg wire.Message) error {
	if p.selfID == "" {
		// Identity not established yet; processing is paused, not an error.
		p.logger.Debug("inbound message before identity set", zap.String("id", msg.ID))
		return nil
	}
	if msg.SenderID == p.selfID {
		// Echo of our own send; must never be persisted as inbound.
		return nil
	}

	p.typing.Clear(msg.SenderID)

	ts := wire.ParseTimestamp(msg.Timestamp, p.now())

	m := &store.Message{
		ID:             msg.ID,
		ConversationID: msg.SenderID,
		SenderID:       msg.SenderID,
		RecipientID:    p.selfID,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		Status:         status.Delivered,
		Timestamp:      ts.UnixMilli(),
	}
	if m.MessageType == "" {
		m.MessageType = store.TypeText
	}

	if att := msg.Attachment; att != nil {
		m.AttachmentID = att.ID
		if m.AttachmentID == "" {
			m.AttachmentID = msg.AttachmentID
		}
		m.AttachmentFileType = att.FileType
		m.AttachmentMimeType = att.MimeType
		m.AttachmentFileName = att.FileName
		m.AttachmentSize = att.Size
		if att.Size <= AutoDownloadLimit {
			m.DownloadStatus = store.DownloadPending
		} else {
			m.DownloadStatus = store.DownloadNotStarted
		}
	}

	if err := p.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	p.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": m.ID, "peer": m.ConversationID}))

	if m.DownloadStatus == store.DownloadPending {
		p.bus.Publish(bus.Now(bus.KindAttachmentFetch, map[string]string{
			"message_id":    m.ID,
			"attachment_id": m.AttachmentID,
		}))
	}

	// The delivery receipt confirms the message record, not the
	// attachment bytes: it goes out regardless of download outcome.
	receipt := wire.DeliveredReceipt{
		MessageID: m.ID,
		Delivered: wire.ReceiptInfo{To: p.selfID, Timestamp: wire.FormatTimestamp(p.now())},
	}
	if err := p.emitter.Emit(wire.EventMessageDelivered, receipt); err != nil {
		// Receipts are not retried; the sender's peer will stay at SENT.
		p.logger.Warn("failed to emit delivery receipt", zap.Error(err), zap.String("id", m.ID))
	}

	if err := p.db.UpsertConversation(&store.Conversation{
		PeerID:              m.ConversationID,
		LastMessageContent:  m.Content,
		LastMessageAt:       m.Timestamp,
		LastMessageSenderID: m.SenderID,
		LastMessageStatus:   m.Status,
	}); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	return nil
}
