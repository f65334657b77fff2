package store

import (
	"context"
	"fmt"
	"strings"
)

// Memory categories accepted by AddMemory.
var MemoryCategories = []string{"profile", "time_pref", "comm_style", "work_rule"}

// AddMemory appends a durable fact about the user.
func (s *Store) AddMemory(ctx context.Context, userID, category, content string) (*UserMemory, error) {
	valid := false
	for _, c := range MemoryCategories {
		if c == category {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("invalid memory category %q (want one of %s)", category, strings.Join(MemoryCategories, ", "))
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	m := &UserMemory{ID: newID(), UserID: userID, Category: category, Content: content, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_memories (id, user_id, category, content, created_at)
		VALUES (?, ?, ?, ?, ?)`, m.ID, m.UserID, m.Category, m.Content, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}
	return m, nil
}

// ListMemories returns a user's memories, oldest first.
func (s *Store) ListMemories(ctx context.Context, userID string) ([]UserMemory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, category, content, created_at FROM user_memories
		WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	var out []UserMemory
	for rows.Next() {
		var m UserMemory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Category, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes one memory owned by userID.
func (s *Store) DeleteMemory(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}
