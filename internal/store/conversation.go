package store

import (
	"database/sql"
	"time"

	"github.com/fieldops/relay/internal/status"
)

// UpsertConversation inserts or overwrites the per-peer summary.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, last_message_content, last_message_at, last_message_sender_id, last_message_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_message_content = excluded.last_message_content,
			last_message_at = excluded.last_message_at,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_status = excluded.last_message_status,
			updated_at = excluded.updated_at`,
		c.PeerID, c.LastMessageContent, c.LastMessageAt, c.LastMessageSenderID, string(c.LastMessageStatus), now)
	return err
}

// ListConversations returns conversations sorted by last message time,
// newest first, each with its derived unread count for selfID.
func (db *DB) ListConversations(selfID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.peer_id, c.last_message_content, c.last_message_at, c.last_message_sender_id, c.last_message_status,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.peer_id AND m.recipient_id = ? AND m.status != ?) AS unread
		FROM conversations c
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`,
		selfID, string(status.Read), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var st string
		if err := rows.Scan(&c.PeerID, &c.LastMessageContent, &c.LastMessageAt, &c.LastMessageSenderID, &st, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageStatus = status.Status(st)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation summary, or nil.
func (db *DB) GetConversation(peerID string) (*Conversation, error) {
	var c Conversation
	var st string
	err := db.QueryRow(`
		SELECT peer_id, last_message_content, last_message_at, last_message_sender_id, last_message_status
		FROM conversations WHERE peer_id = ?`, peerID).
		Scan(&c.PeerID, &c.LastMessageContent, &c.LastMessageAt, &c.LastMessageSenderID, &st)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageStatus = status.Status(st)
	return &c, nil
}
