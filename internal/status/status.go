// Package status defines the message delivery lifecycle.
package status

import (
	"fmt"
	"slices"
)

// Status is a message delivery state.
type Status string

const (
	// Pending messages are queued locally and owned by the delivery queue.
	Pending Status = "PENDING"
	// Sent means the server acknowledged the send.
	Sent Status = "SENT"
	// Delivered means the recipient's device confirmed receipt.
	Delivered Status = "DELIVERED"
	// Read means the recipient's UI marked the message seen.
	Read Status = "READ"
	// Failed is terminal: retries exhausted. Manual retry re-enters Pending.
	Failed Status = "FAILED"
	// Deleted is a soft terminal state; the row is kept for history.
	Deleted Status = "DELETED"
)

// validTransitions defines the allowed lifecycle moves.
var validTransitions = map[Status][]Status{
	Pending:   {Sent, Failed, Deleted},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Pending, Deleted},
	Deleted:   {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Parse converts a stored string into a Status.
func Parse(s string) (Status, error) {
	switch st := Status(s); st {
	case Pending, Sent, Delivered, Read, Failed, Deleted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown message status %q", s)
	}
}
