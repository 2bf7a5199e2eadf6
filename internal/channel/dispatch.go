package channel

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/wire"
)

// RegisterDispatch wires the channel's inbound events onto the bus. Each
// payload is decoded exactly once into its wire union variant; a
// malformed payload is logged and that single event dropped, the
// subscription stays alive.
func RegisterDispatch(c *Channel, b *bus.Bus, logger *zap.Logger) {
	route := func(event, kind string) {
		c.On(event, func(data json.RawMessage) {
			decoded, err := wire.Decode(event, data)
			if err != nil {
				logger.Warn("dropping malformed inbound event",
					zap.String("event", event), zap.Error(err))
				return
			}
			b.Publish(bus.Now(kind, decoded))
		})
	}

	route(wire.EventActionMessageSend, bus.KindWireMessage)
	route(wire.EventActionMessageDelivered, bus.KindWireDelivered)
	route(wire.EventActionMessageSeen, bus.KindWireSeen)
	route(wire.EventActionTyping, bus.KindWireTyping)
	route(wire.EventActionPresenceUpdate, bus.KindWirePresence)
}
