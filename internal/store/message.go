package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fieldops/relay/internal/status"
)

const messageCols = `id, conversation_id, sender_id, recipient_id, content, message_type,
	status, timestamp, retry_count, next_retry_at,
	attachment_id, attachment_file_type, attachment_mime_type, attachment_file_name,
	attachment_size, download_status`

// UpsertMessage inserts or updates a message keyed by id. Redelivery of
// the same id updates the row in place, never creates a duplicate.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, message_type,
			status, timestamp, retry_count, next_retry_at,
			attachment_id, attachment_file_type, attachment_mime_type, attachment_file_name,
			attachment_size, download_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			message_type = excluded.message_type,
			status = excluded.status,
			attachment_id = excluded.attachment_id,
			attachment_file_type = excluded.attachment_file_type,
			attachment_mime_type = excluded.attachment_mime_type,
			attachment_file_name = excluded.attachment_file_name,
			attachment_size = excluded.attachment_size,
			download_status = excluded.download_status`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Content, m.MessageType,
		string(m.Status), m.Timestamp, m.RetryCount, m.NextRetryAt,
		m.AttachmentID, m.AttachmentFileType, m.AttachmentMimeType, m.AttachmentFileName,
		m.AttachmentSize, m.DownloadStatus, now)
	return err
}

// UpdateStatus sets a message's status.
func (db *DB) UpdateStatus(id string, st status.Status) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(st), id)
	return err
}

// UpdateStatusAndRetry sets status and retry bookkeeping in one write.
func (db *DB) UpdateStatusAndRetry(id string, st status.Status, retryCount int, nextRetryAt int64) error {
	_, err := db.Exec(`UPDATE messages SET status = ?, retry_count = ?, next_retry_at = ? WHERE id = ?`,
		string(st), retryCount, nextRetryAt, id)
	return err
}

// UpdateRetryInfo sets retry bookkeeping without touching status.
func (db *DB) UpdateRetryInfo(id string, retryCount int, nextRetryAt int64) error {
	_, err := db.Exec(`UPDATE messages SET retry_count = ?, next_retry_at = ? WHERE id = ?`,
		retryCount, nextRetryAt, id)
	return err
}

// UpdateDownloadStatus sets the attachment download state.
func (db *DB) UpdateDownloadStatus(id, downloadStatus string) error {
	_, err := db.Exec(`UPDATE messages SET download_status = ? WHERE id = ?`, downloadStatus, id)
	return err
}

// GetByID returns a message, or nil if not found.
func (db *DB) GetByID(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OldestPendingPerConversation returns, for each conversation that has at
// least one PENDING message, the single oldest one — provided it is due
// (next_retry_at <= now). A conversation whose oldest pending message is
// still backing off yields nothing: the head blocks the line, which is
// what enforces per-conversation FIFO.
func (db *DB) OldestPendingPerConversation(nowMillis int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageCols+`
		FROM messages m
		WHERE m.status = ?
		AND m.next_retry_at <= ?
		AND m.id = (
			SELECT m2.id FROM messages m2
			WHERE m2.conversation_id = m.conversation_id AND m2.status = ?
			ORDER BY m2.timestamp ASC, m2.id ASC
			LIMIT 1
		)
		ORDER BY m.timestamp ASC`,
		string(status.Pending), nowMillis, string(status.Pending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// NextRetryDue returns the earliest future next_retry_at among PENDING
// messages, or 0 if nothing is waiting on a backoff timer.
func (db *DB) NextRetryDue(nowMillis int64) (int64, error) {
	var due sql.NullInt64
	err := db.QueryRow(`
		SELECT MIN(next_retry_at) FROM messages
		WHERE status = ? AND next_retry_at > ?`,
		string(status.Pending), nowMillis).Scan(&due)
	if err != nil {
		return 0, err
	}
	if !due.Valid {
		return 0, nil
	}
	return due.Int64, nil
}

// ListMessages returns messages for a peer using keyset pagination by timestamp.
func (db *DB) ListMessages(peerID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageCols+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, peerID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// UnseenMessageIDs returns ids of messages from peerID addressed to
// selfID that are not yet READ, oldest first.
func (db *DB) UnseenMessageIDs(peerID, selfID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM messages
		WHERE conversation_id = ? AND recipient_id = ? AND status != ?
		ORDER BY timestamp ASC`,
		peerID, selfID, string(status.Read))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRead sets the given message ids to READ in one statement.
func (db *DB) MarkRead(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status.Read))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := db.Exec(
		fmt.Sprintf(`UPDATE messages SET status = ? WHERE id IN (%s)`, placeholders),
		args...)
	return err
}

// UnreadCount derives the unread count for a peer: messages addressed to
// selfID that are not READ. Never stored, always counted.
func (db *DB) UnreadCount(peerID, selfID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND recipient_id = ? AND status != ?`,
		peerID, selfID, string(status.Read)).Scan(&n)
	return n, err
}

// ClearAll wipes all local chat data.
func (db *DB) ClearAll() error {
	if _, err := db.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var st string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content, &m.MessageType,
		&st, &m.Timestamp, &m.RetryCount, &m.NextRetryAt,
		&m.AttachmentID, &m.AttachmentFileType, &m.AttachmentMimeType, &m.AttachmentFileName,
		&m.AttachmentSize, &m.DownloadStatus)
	if err != nil {
		return nil, err
	}
	m.Status = status.Status(st)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
