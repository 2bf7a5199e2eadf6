// Package outbox drives outbound message delivery: per-conversation FIFO,
// one in-flight send per conversation, exponential backoff with a cap,
// and terminal failure after retry exhaustion.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/status"
	"github.com/fieldops/relay/internal/store"
	"github.com/fieldops/relay/internal/wire"
)

// MaxRetries is the attempt ceiling; reaching it turns a message FAILED.
const MaxRetries = 5

const (
	defaultRetryBase = time.Second
	defaultRetryCap  = 60 * time.Second
	pollInterval     = 500 * time.Millisecond
)

// Emitter is the outbound half of the event channel the queue needs.
type Emitter interface {
	IsConnected() bool
	EmitWithAck(event string, payload any, ack func(wire.Ack)) error
}

// Queue watches the store for PENDING messages and sends them. A scan is
// triggered by local writes (message.upserted), by reconnects
// (channel.connected), by retry timers, and by a fallback poll.
type Queue struct {
	db      *store.DB
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	retryBase time.Duration
	retryCap  time.Duration
	now       func() time.Time

	wake chan struct{}

	mu         sync.Mutex
	sending    map[string]uint64 // message id -> attempt generation
	nextGen    uint64
	retryTimer *time.Timer
	cancel     context.CancelFunc
}

// NewQueue creates a delivery queue.
func NewQueue(db *store.DB, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{
		db:        db,
		emitter:   emitter,
		bus:       b,
		logger:    logger,
		retryBase: defaultRetryBase,
		retryCap:  defaultRetryCap,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		sending:   make(map[string]uint64),
	}
}

// Start begins observing pending messages. Idempotent: calling Start
// while running is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	upserts, unsubUpserts := q.bus.Subscribe(bus.KindMessageUpserted, 256)
	connects, unsubConnects := q.bus.Subscribe(bus.KindChannelConnected, 4)

	go func() {
		defer unsubUpserts()
		defer unsubConnects()

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			q.scan()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-q.wake:
			case <-upserts:
			case <-connects:
			}
		}
	}()
}

// Stop cancels observation. In-flight sends are not aborted; a late ack
// still updates local state through the usual existence checks.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wake requests an immediate re-scan.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// scan sends the oldest due PENDING message of each conversation. When
// the channel is down the whole batch is skipped; the channel.connected
// subscription re-fires the scan once connectivity returns.
func (q *Queue) scan() {
	if !q.emitter.IsConnected() {
		return
	}

	nowMillis := q.now().UnixMilli()
	batch, err := q.db.OldestPendingPerConversation(nowMillis)
	if err != nil {
		q.logger.Error("failed to read pending messages", zap.Error(err))
		return
	}

	for i := range batch {
		m := batch[i]
		q.mu.Lock()
		if _, inFlight := q.sending[m.ID]; inFlight {
			q.mu.Unlock()
			continue
		}
		q.nextGen++
		gen := q.nextGen
		q.sending[m.ID] = gen
		q.mu.Unlock()

		q.attempt(&m, gen)
	}

	q.armRetryTimer(nowMillis)
}

// armRetryTimer schedules a wake-up for the earliest future retry, so a
// backing-off message is re-attempted after exactly its remaining delay.
func (q *Queue) armRetryTimer(nowMillis int64) {
	due, err := q.db.NextRetryDue(nowMillis)
	if err != nil {
		q.logger.Error("failed to read next retry time", zap.Error(err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	if due == 0 || q.cancel == nil {
		return
	}
	delay := time.Duration(due-nowMillis) * time.Millisecond
	q.retryTimer = time.AfterFunc(delay, q.Wake)
}

func (q *Queue) attempt(m *store.Message, gen uint64) {
	env := wire.MessageEnvelope{Message: wire.Message{
		ID:           m.ID,
		Content:      m.Content,
		MessageType:  m.MessageType,
		SenderID:     m.SenderID,
		Receivers:    []string{m.RecipientID},
		AttachmentID: m.AttachmentID,
		Timestamp:    wire.FormatTimestamp(time.UnixMilli(m.Timestamp)),
	}}
	if m.HasAttachment() {
		env.Message.Attachment = &wire.Attachment{
			ID:       m.AttachmentID,
			FileType: m.AttachmentFileType,
			MimeType: m.AttachmentMimeType,
			FileName: m.AttachmentFileName,
			Size:     m.AttachmentSize,
		}
	}

	id := m.ID
	err := q.emitter.EmitWithAck(wire.EventMessageSend, env, func(ack wire.Ack) {
		q.onAck(id, gen, ack)
	})
	if err != nil {
		// Transport-level failure during emit: same path as a rejected ack.
		q.onAck(id, gen, wire.Ack{Acknowledged: false, Error: err.Error()})
	}
}

// onAck resolves one send attempt. The generation guard drops acks from
// attempts that were superseded by a manual retry. The in-flight marker
// is released only after the store write, so a concurrent scan cannot
// re-send a message whose ack is mid-processing.
func (q *Queue) onAck(id string, gen uint64, ack wire.Ack) {
	q.mu.Lock()
	cur, ok := q.sending[id]
	q.mu.Unlock()
	if !ok || cur != gen {
		q.logger.Debug("ignoring stale ack", zap.String("id", id))
		return
	}
	defer func() {
		q.mu.Lock()
		// The marker may have been replaced by a manual retry meanwhile.
		if g, ok := q.sending[id]; ok && g == gen {
			delete(q.sending, id)
		}
		q.mu.Unlock()
	}()

	m, err := q.db.GetByID(id)
	if err != nil {
		q.logger.Error("failed to load message for ack", zap.Error(err), zap.String("id", id))
		return
	}
	if m == nil || m.Status != status.Pending {
		// Deleted or manually resolved while in flight; nothing to update.
		return
	}

	if ack.Acknowledged {
		if err := q.db.UpdateStatusAndRetry(id, status.Sent, m.RetryCount, 0); err != nil {
			q.logger.Error("failed to mark sent", zap.Error(err), zap.String("id", id))
			return
		}
		q.logger.Info("message sent", zap.String("id", id), zap.Int("retry_count", m.RetryCount))
		q.bus.Publish(bus.Now(bus.KindMessageSendAck, map[string]string{"id": id}))
		q.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": id, "peer": m.ConversationID}))
		return
	}

	q.retryOrFail(m, ack.Error)
}

func (q *Queue) retryOrFail(m *store.Message, reason string) {
	retryCount := m.RetryCount + 1

	if retryCount >= MaxRetries {
		if err := q.db.UpdateStatusAndRetry(m.ID, status.Failed, retryCount, 0); err != nil {
			q.logger.Error("failed to mark failed", zap.Error(err), zap.String("id", m.ID))
			return
		}
		q.logger.Warn("message failed permanently",
			zap.String("id", m.ID), zap.Int("retry_count", retryCount), zap.String("reason", reason))
		q.bus.Publish(bus.Now(bus.KindMessageSendFailed, map[string]string{"id": m.ID, "error": reason}))
		q.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": m.ID, "peer": m.ConversationID}))
		return
	}

	delay := q.retryDelay(retryCount)
	nextRetryAt := q.now().Add(delay).UnixMilli()
	if err := q.db.UpdateRetryInfo(m.ID, retryCount, nextRetryAt); err != nil {
		q.logger.Error("failed to record retry", zap.Error(err), zap.String("id", m.ID))
		return
	}
	q.logger.Info("send attempt failed, retrying",
		zap.String("id", m.ID), zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay), zap.String("reason", reason))
	q.Wake()
}

// retryDelay computes min(base·2^retryCount, cap).
func (q *Queue) retryDelay(retryCount int) time.Duration {
	d := q.retryBase
	for i := 0; i < retryCount && d < q.retryCap; i++ {
		d *= 2
	}
	if d > q.retryCap {
		d = q.retryCap
	}
	return d
}

// RetryFailed resets a FAILED message for a fresh delivery round:
// retry count zeroed, eligible immediately, status back to PENDING.
func (q *Queue) RetryFailed(id string) error {
	m, err := q.db.GetByID(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("message %s not found", id)
	}
	if !status.CanTransition(m.Status, status.Pending) {
		return fmt.Errorf("message %s is %s, not retryable", id, m.Status)
	}

	// Drop any stale in-flight marker so a late ack from the old attempt
	// cannot touch the fresh one.
	q.mu.Lock()
	delete(q.sending, id)
	q.mu.Unlock()

	if err := q.db.UpdateStatusAndRetry(id, status.Pending, 0, 0); err != nil {
		return err
	}
	q.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": id, "peer": m.ConversationID}))
	q.Wake()
	return nil
}

// DeleteFailed soft-deletes a message: the row is kept with a terminal
// DELETED status for history.
func (q *Queue) DeleteFailed(id string) error {
	m, err := q.db.GetByID(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("message %s not found", id)
	}
	if !status.CanTransition(m.Status, status.Deleted) {
		return fmt.Errorf("message %s is %s, not deletable", id, m.Status)
	}

	q.mu.Lock()
	delete(q.sending, id)
	q.mu.Unlock()

	if err := q.db.UpdateStatus(id, status.Deleted); err != nil {
		return err
	}
	q.bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": id, "peer": m.ConversationID}))
	return nil
}
