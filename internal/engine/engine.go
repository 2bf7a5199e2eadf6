// Package engine is the facade the surrounding app consumes: imperative
// send/retry/seen/typing operations plus reactive streams over the bus.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/channel"
	"github.com/fieldops/relay/internal/inbound"
	"github.com/fieldops/relay/internal/outbox"
	"github.com/fieldops/relay/internal/presence"
	"github.com/fieldops/relay/internal/receipts"
	"github.com/fieldops/relay/internal/status"
	"github.com/fieldops/relay/internal/store"
	"github.com/fieldops/relay/internal/wire"
)

// Params collects the engine's collaborators, constructed once at startup.
type Params struct {
	SelfID    string
	DB        *store.DB
	Bus       *bus.Bus
	Channel   *channel.Channel
	Queue     *outbox.Queue
	Inbound   *inbound.Processor
	Receipts  *receipts.Tracker
	Presence  *presence.Tracker
	Typing    *presence.TypingTracker
	Heartbeat *presence.Heartbeat
	Logger    *zap.Logger
}

// Engine owns the sync subsystem's task tree. Every long-running loop is
// an independently cancellable component; one component failing does not
// take down its siblings.
type Engine struct {
	p Params
}

// New creates the engine.
func New(p Params) *Engine {
	return &Engine{p: p}
}

// Start connects the channel and starts all components. A missing
// credential fails Start; every other connect problem is handled by the
// channel's own reconnect loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.p.Channel.Connect(ctx); err != nil {
		return err
	}
	e.p.Inbound.Start(ctx)
	e.p.Receipts.Start(ctx)
	e.p.Typing.Start(ctx)
	e.p.Presence.Start(ctx)
	e.p.Heartbeat.Start(ctx)
	e.p.Queue.Start(ctx)
	e.p.Logger.Info("sync engine started", zap.String("user", e.p.SelfID))
	return nil
}

// Stop stops all components and disconnects the channel. In-flight sends
// are not aborted; late acks still land via existence checks.
func (e *Engine) Stop() {
	e.p.Queue.Stop()
	e.p.Heartbeat.Stop()
	e.p.Presence.Stop()
	e.p.Typing.Stop()
	e.p.Receipts.Stop()
	e.p.Inbound.Stop()
	e.p.Channel.Disconnect()
	e.p.Logger.Info("sync engine stopped")
}

// Send enqueues a message for delivery and returns its client-generated
// id. The message is durable immediately (PENDING); the delivery queue
// picks it up from there.
func (e *Engine) Send(recipientID, content string, att *wire.Attachment) (string, error) {
	if e.p.SelfID == "" {
		return "", fmt.Errorf("send: local identity not configured")
	}
	if recipientID == "" {
		return "", fmt.Errorf("send: missing recipient")
	}
	hasContent := strings.TrimSpace(content) != ""
	if !hasContent && att == nil {
		return "", fmt.Errorf("send: empty message")
	}

	msgType := store.TypeText
	if att != nil {
		msgType = store.TypeMedia
	}

	now := time.Now()
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: recipientID,
		SenderID:       e.p.SelfID,
		RecipientID:    recipientID,
		Content:        content,
		MessageType:    msgType,
		Status:         status.Pending,
		Timestamp:      now.UnixMilli(),
	}
	if att != nil {
		m.AttachmentID = att.ID
		m.AttachmentFileType = att.FileType
		m.AttachmentMimeType = att.MimeType
		m.AttachmentFileName = att.FileName
		m.AttachmentSize = att.Size
	}

	if err := e.p.DB.UpsertMessage(m); err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	if err := e.p.DB.UpsertConversation(&store.Conversation{
		PeerID:              recipientID,
		LastMessageContent:  content,
		LastMessageAt:       m.Timestamp,
		LastMessageSenderID: e.p.SelfID,
		LastMessageStatus:   status.Pending,
	}); err != nil {
		return "", fmt.Errorf("update conversation: %w", err)
	}

	e.p.Bus.Publish(bus.Now(bus.KindMessageUpserted, map[string]string{"id": m.ID, "peer": recipientID}))
	return m.ID, nil
}

// RetryFailed re-queues a FAILED message.
func (e *Engine) RetryFailed(id string) error {
	return e.p.Queue.RetryFailed(id)
}

// DeleteFailed soft-deletes a message.
func (e *Engine) DeleteFailed(id string) error {
	return e.p.Queue.DeleteFailed(id)
}

// MarkSeen marks everything from the peer as read and confirms to them.
func (e *Engine) MarkSeen(peerID string) error {
	return e.p.Receipts.MarkConversationSeen(peerID)
}

// SendTyping signals typing to the peer, debounced.
func (e *Engine) SendTyping(peerID string) {
	e.p.Typing.SendTyping(peerID)
}

// Messages returns a page of a conversation's history, newest first.
func (e *Engine) Messages(peerID string, beforeTs int64, limit int) ([]store.Message, error) {
	return e.p.DB.ListMessages(peerID, beforeTs, limit)
}

// Conversations lists conversation summaries with derived unread counts.
func (e *Engine) Conversations(limit, offset int) ([]store.Conversation, error) {
	return e.p.DB.ListConversations(e.p.SelfID, limit, offset)
}

// TrackPresence subscribes to presence updates for the given peers.
func (e *Engine) TrackPresence(peerIDs ...string) {
	e.p.Presence.Track(peerIDs...)
}

// UntrackPresence drops presence subscriptions for the given peers.
func (e *Engine) UntrackPresence(peerIDs ...string) {
	e.p.Presence.Untrack(peerIDs...)
}

// PresenceSnapshot returns the current presence map.
func (e *Engine) PresenceSnapshot() map[string]presence.PeerPresence {
	return e.p.Presence.Snapshot()
}

// TypingSnapshot returns the active typing map.
func (e *Engine) TypingSnapshot() map[string]time.Time {
	return e.p.Typing.Snapshot()
}

// Subscribe exposes the bus to the UI layer: message changes, send
// outcomes, receipts, typing and presence updates, channel state.
func (e *Engine) Subscribe(prefix string, bufSize int) (<-chan bus.Event, func()) {
	return e.p.Bus.Subscribe(prefix, bufSize)
}

// ChannelState reports the connection state.
func (e *Engine) ChannelState() channel.State {
	return e.p.Channel.State()
}

// ClearAll wipes all local chat data.
func (e *Engine) ClearAll() error {
	return e.p.DB.ClearAll()
}
