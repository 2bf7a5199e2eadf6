// Package wire defines the event names and JSON payload shapes of the
// chat protocol, plus the typed decode of inbound events.
package wire

// Outbound event names (client → server).
const (
	EventMessageSend         = "request:message:send"
	EventMessageDelivered    = "request:message:delivered"
	EventMessageSeen         = "request:message:seen"
	EventTyping              = "request:typing"
	EventHeartbeat           = "request:heartbeat"
	EventPresenceSubscribe   = "request:presence:subscribe"
	EventPresenceUnsubscribe = "request:presence:unsubscribe"
)

// Inbound event names (server → client).
const (
	EventActionMessageSend      = "action:message:send"
	EventActionMessageDelivered = "action:message:delivered"
	EventActionMessageSeen      = "action:message:seen"
	EventActionTyping           = "action:typing"
	EventActionPresenceUpdate   = "action:presence:update"
)

// Attachment carries file metadata for media messages. Bytes travel out of
// band; only metadata crosses this protocol.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	FileType string `json:"fileType,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the wire shape of a chat message, shared by
// request:message:send and action:message:send.
type Message struct {
	ID           string      `json:"id"`
	Content      string      `json:"content,omitempty"`
	MessageType  string      `json:"messageType"`
	SenderID     string      `json:"senderId"`
	Receivers    []string    `json:"receivers"`
	AttachmentID string      `json:"attachmentId,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
	Timestamp    string      `json:"timestamp"`
}

// MessageEnvelope wraps a Message for the send events.
type MessageEnvelope struct {
	Message Message `json:"message"`
}

// DeliveredReceipt is the payload of request/action:message:delivered.
type DeliveredReceipt struct {
	MessageID string      `json:"messageId"`
	Delivered ReceiptInfo `json:"delivered"`
}

// SeenReceipt is the payload of request/action:message:seen.
type SeenReceipt struct {
	MessageID string      `json:"messageId"`
	Seen      ReceiptInfo `json:"seen"`
}

// ReceiptInfo names the confirming user and when they confirmed.
// The delivered variant uses "to", the seen variant uses "by"; both
// fields are declared and exactly one is populated per receipt kind.
type ReceiptInfo struct {
	To        string `json:"to,omitempty"`
	By        string `json:"by,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TypingRequest is the payload of request:typing.
type TypingRequest struct {
	RecipientID string `json:"recipientId"`
}

// TypingAction is the payload of action:typing.
type TypingAction struct {
	SenderID  string `json:"senderId"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PresenceUpdate is the payload of action:presence:update.
type PresenceUpdate struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PresenceSubscription is the payload of request:presence:subscribe and
// request:presence:unsubscribe.
type PresenceSubscription struct {
	UserIDs []string `json:"userIds"`
}

// Ack is the acknowledgment payload correlated to an emitted event.
type Ack struct {
	Acknowledged bool   `json:"acknowledged"`
	Error        string `json:"error,omitempty"`
}

// Online is the presence status value for a reachable peer; anything
// else counts as offline.
const Online = "online"
