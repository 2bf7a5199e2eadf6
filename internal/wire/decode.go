package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound is the closed union of server events. Each variant is decoded
// exactly once at the channel boundary; consumers switch over the
// concrete types instead of routing on event-name strings.
type Inbound interface {
	inbound()
}

// InboundMessage is a decoded action:message:send.
type InboundMessage struct {
	Message Message
}

// InboundDelivered is a decoded action:message:delivered.
type InboundDelivered struct {
	Receipt DeliveredReceipt
}

// InboundSeen is a decoded action:message:seen.
type InboundSeen struct {
	Receipt SeenReceipt
}

// InboundTyping is a decoded action:typing.
type InboundTyping struct {
	Typing TypingAction
}

// InboundPresence is a decoded action:presence:update.
type InboundPresence struct {
	Update PresenceUpdate
}

func (InboundMessage) inbound()   {}
func (InboundDelivered) inbound() {}
func (InboundSeen) inbound()      {}
func (InboundTyping) inbound()    {}
func (InboundPresence) inbound()  {}

// ErrUnknownEvent is returned for event names outside the union.
type ErrUnknownEvent struct {
	Event string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown inbound event %q", e.Event)
}

// Decode parses an inbound event payload into its union variant.
func Decode(event string, data json.RawMessage) (Inbound, error) {
	switch event {
	case EventActionMessageSend:
		var env MessageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		if env.Message.ID == "" {
			return nil, fmt.Errorf("decode %s: missing message id", event)
		}
		return InboundMessage{Message: env.Message}, nil
	case EventActionMessageDelivered:
		var r DeliveredReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return InboundDelivered{Receipt: r}, nil
	case EventActionMessageSeen:
		var r SeenReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return InboundSeen{Receipt: r}, nil
	case EventActionTyping:
		var ta TypingAction
		if err := json.Unmarshal(data, &ta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return InboundTyping{Typing: ta}, nil
	case EventActionPresenceUpdate:
		var p PresenceUpdate
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
		return InboundPresence{Update: p}, nil
	default:
		return nil, &ErrUnknownEvent{Event: event}
	}
}
