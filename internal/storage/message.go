package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMessage performs the durable write for a message. The caller's
// temporary id is discarded: the store assigns the server id and returns the
// confirmed record with status sent.
func (db *DB) CreateMessage(m *Message) (*Message, error) {
	confirmed := *m
	confirmed.ID = uuid.NewString()
	confirmed.Status = StatusSent
	if confirmed.CreatedAt == 0 {
		confirmed.CreatedAt = time.Now().UnixMilli()
	}

	var att Attachment
	if confirmed.Attachment != nil {
		att = *confirmed.Attachment
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, id, sender_id, body, attachment_name, attachment_url, attachment_mime, reply_to_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		confirmed.ConversationID, confirmed.ID, confirmed.SenderID, confirmed.Body,
		att.Name, att.URL, att.MimeType, confirmed.ReplyToID, confirmed.Status, confirmed.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := db.TouchConversation(confirmed.ConversationID, confirmed.Body, confirmed.CreatedAt); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return &confirmed, nil
}

// UpsertMessage stores a remote message (idempotent on conversation_id + id).
func (db *DB) UpsertMessage(m *Message) error {
	var att Attachment
	if m.Attachment != nil {
		att = *m.Attachment
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, id, sender_id, body, attachment_name, attachment_url, attachment_mime, reply_to_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status`,
		m.ConversationID, m.ID, m.SenderID, m.Body,
		att.Name, att.URL, att.MimeType, m.ReplyToID, m.Status, m.CreatedAt)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by creation time, newest first.
func (db *DB) ListMessages(conversationID string, beforeTS int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, id, sender_id, body, attachment_name, attachment_url, attachment_mime, reply_to_id, status, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTS, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var att Attachment
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Body,
			&att.Name, &att.URL, &att.MimeType, &m.ReplyToID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		if att.URL != "" {
			m.Attachment = &att
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessagesInConversation removes all messages for a conversation and
// clears its preview.
func (db *DB) DeleteMessagesInConversation(conversationID string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET last_message_preview = '', updated_at = ?
		WHERE id = ?`, now, conversationID)
	return err
}
