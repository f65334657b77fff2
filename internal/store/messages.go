package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateConversation inserts a conversation under a cell.
func (s *Store) CreateConversation(ctx context.Context, cellID, userID string) (*Conversation, error) {
	c := &Conversation{ID: newID(), CellID: cellID, UserID: userID, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (id, cell_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.CellID, c.UserID, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// LatestConversation returns the newest conversation of a user in a cell, or nil.
func (s *Store) LatestConversation(ctx context.Context, cellID, userID string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `SELECT id, cell_id, user_id, title, created_at FROM conversations
		WHERE cell_id = ? AND user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, cellID, userID).
		Scan(&c.ID, &c.CellID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation: %w", err)
	}
	return &c, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `SELECT id, cell_id, user_id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.CellID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// AddMessage appends a message to a conversation.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (*Message, error) {
	m := &Message{ID: newID(), ConversationID: conversationID, Role: role, Content: content, Metadata: metadata, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, m.ID, m.ConversationID, m.Role, m.Content, marshalJSON(metadata), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	return m, nil
}

// RecentMessages returns up to limit newest messages, ordered oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, role, content, metadata, reactions, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessages returns the messages with the given ids in creation order.
func (s *Store) GetMessages(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, role, content, metadata, reactions, created_at
		FROM messages WHERE id IN (`+placeholders+`) ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages returns the number of messages in a conversation. A non-empty
// role restricts the count to that role.
func (s *Store) CountMessages(ctx context.Context, conversationID, role string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// AddReaction attaches a reaction to an existing message.
func (s *Store) AddReaction(ctx context.Context, messageID, reaction string) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT reactions FROM messages WHERE id = ?`, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	reactions := splitReactions(raw)
	for _, r := range reactions {
		if r == reaction {
			return nil
		}
	}
	reactions = append(reactions, reaction)
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET reactions = ? WHERE id = ?`, strings.Join(reactions, ","), messageID)
	return err
}

func splitReactions(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var meta, reactions string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &reactions, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Metadata = unmarshalMap(meta)
		m.Reactions = splitReactions(reactions)
		out = append(out, m)
	}
	return out, rows.Err()
}
