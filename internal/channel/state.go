package channel

import "slices"

// State is the connection state of the event channel.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	// Errored marks a failed connect attempt; the reconnect loop moves
	// back to Connecting on the next try.
	Errored State = "ERROR"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Errored, Disconnected},
	Connected:    {Disconnected, Errored},
	Errored:      {Connecting, Disconnected},
}

func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}
