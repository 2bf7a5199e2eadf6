package store

import "github.com/fieldops/relay/internal/status"

// Download states for inbound media. Empty string means no attachment.
const (
	DownloadPending    = "PENDING"
	DownloadNotStarted = "NOT_STARTED"
	DownloadDone       = "DONE"
	DownloadFailed     = "FAILED"
)

// Message types.
const (
	TypeText  = "text"
	TypeMedia = "media"
)

// Message is one outbound or inbound chat unit. ConversationID is the
// remote peer's user id; conversations are 1:1.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	MessageType    string
	Status         status.Status
	Timestamp      int64 // creation instant, epoch millis
	RetryCount     int
	NextRetryAt    int64 // epoch millis; 0 means eligible now

	AttachmentID       string
	AttachmentFileType string
	AttachmentMimeType string
	AttachmentFileName string
	AttachmentSize     int64
	DownloadStatus     string
}

// HasAttachment reports whether the message carries media metadata.
func (m *Message) HasAttachment() bool {
	return m.AttachmentID != ""
}

// Conversation is the denormalized per-peer summary. Unread count is not
// stored; it is derived by UnreadCount.
type Conversation struct {
	PeerID              string
	LastMessageContent  string
	LastMessageAt       int64
	LastMessageSenderID string
	LastMessageStatus   status.Status

	// Derived, populated only by ListConversations.
	UnreadCount int
}
