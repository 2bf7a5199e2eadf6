package wire

import "time"

// TimestampLayout is the protocol's timestamp format: ISO-8601 UTC with
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders an instant in the wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a wire timestamp. The fallback is returned for
// empty or malformed strings; a message is never rejected over a bad
// timestamp.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// Some servers send variable fraction digits; RFC 3339 covers those.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fallback
		}
	}
	return t
}
