package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name; subscribers filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers use the trailing-dot
// forms ("message.", "channel.") to receive a whole namespace.
const (
	// channel.* — connection lifecycle.
	KindChannelConnected    = "channel.connected"
	KindChannelDisconnected = "channel.disconnected"
	KindChannelError        = "channel.error"

	// wire.* — decoded inbound protocol events.
	KindWireMessage   = "wire.message"
	KindWireDelivered = "wire.delivered"
	KindWireSeen      = "wire.seen"
	KindWireTyping    = "wire.typing"
	KindWirePresence  = "wire.presence"

	// message.* — local store changes and send outcomes.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageDelivered  = "message.delivered"
	KindMessageSeen       = "message.seen"

	// attachment.* — requests for the external download worker.
	KindAttachmentFetch = "attachment.fetch"

	// presence.* / typing.* — in-memory state changes.
	KindPresenceChanged = "presence.changed"
	KindTypingStarted   = "typing.started"
	KindTypingExpired   = "typing.expired"
)

// Now returns an event carrying the current timestamp.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
