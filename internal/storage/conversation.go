package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// UpsertConversation inserts or updates a conversation record and replaces
// its member list. Last activity only moves forward, so a stale list refresh
// cannot push a conversation back down.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, name, avatar_url, is_group, last_message_preview, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			is_group = excluded.is_group,
			last_message_preview = CASE WHEN excluded.last_activity_at >= conversations.last_activity_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.AvatarURL, c.IsGroup, c.LastMessagePreview, c.LastActivityAt, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if len(c.MemberIDs) > 0 {
		if _, err := tx.Exec(`DELETE FROM conversation_members WHERE conversation_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear members: %w", err)
		}
		for i, uid := range c.MemberIDs {
			if _, err := tx.Exec(`
				INSERT INTO conversation_members (conversation_id, user_id, position)
				VALUES (?, ?, ?)`, c.ID, uid, i); err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}
	}

	return tx.Commit()
}

// TouchConversation bumps a conversation's preview and last activity.
// Timestamps only move forward.
func (db *DB) TouchConversation(id, preview string, activityAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_preview = CASE WHEN ? >= last_activity_at THEN ? ELSE last_message_preview END,
			last_activity_at = MAX(last_activity_at, ?),
			updated_at = ?
		WHERE id = ?`,
		activityAt, preview, activityAt, now, id)
	return err
}

// ListConversations returns conversations sorted by last activity descending,
// with ordered member lists attached.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, name, avatar_url, is_group, last_message_preview, last_activity_at
		FROM conversations
		ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	index := make(map[string]int)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.AvatarURL, &c.IsGroup, &c.LastMessagePreview, &c.LastActivityAt); err != nil {
			return nil, err
		}
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := db.Query(`
		SELECT conversation_id, user_id
		FROM conversation_members
		ORDER BY conversation_id, position`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mrows.Close() }()

	for mrows.Next() {
		var convID, userID string
		if err := mrows.Scan(&convID, &userID); err != nil {
			return nil, err
		}
		if i, ok := index[convID]; ok {
			convs[i].MemberIDs = append(convs[i].MemberIDs, userID)
		}
	}
	return convs, mrows.Err()
}

// GetConversation returns a single conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, name, avatar_url, is_group, last_message_preview, last_activity_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.AvatarURL, &c.IsGroup, &c.LastMessagePreview, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT user_id FROM conversation_members
		WHERE conversation_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		c.MemberIDs = append(c.MemberIDs, uid)
	}
	return &c, rows.Err()
}

// CreateOrGetDirectConversation returns the one-on-one conversation between
// the two users, creating it if needed. The id is derived from the sorted
// user pair so concurrent creates from both sides converge on the same row.
func (db *DB) CreateOrGetDirectConversation(selfID, otherID string) (*Conversation, error) {
	pair := []string{selfID, otherID}
	sort.Strings(pair)
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("direct:"+pair[0]+":"+pair[1])).String()

	existing, err := db.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	c := &Conversation{
		ID:        id,
		IsGroup:   false,
		MemberIDs: []string{selfID, otherID},
	}
	if err := db.UpsertConversation(c); err != nil {
		return nil, fmt.Errorf("create direct conversation: %w", err)
	}
	return db.GetConversation(id)
}

// CreateGroupConversation creates a new group conversation with the given
// name and ordered member list.
func (db *DB) CreateGroupConversation(name string, memberIDs []string) (*Conversation, error) {
	c := &Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   true,
		MemberIDs: memberIDs,
	}
	if err := db.UpsertConversation(c); err != nil {
		return nil, fmt.Errorf("create group conversation: %w", err)
	}
	return db.GetConversation(c.ID)
}
