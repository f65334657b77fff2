package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Workspace is per-cell scratch storage for tool-authored files.
type Workspace struct {
	s *Store
}

// Workspace returns the path-keyed workspace view of the store.
func (s *Store) Workspace() *Workspace { return &Workspace{s: s} }

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	p = path.Clean("/" + p)[1:]
	if p == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	return p, nil
}

// Read returns the file content. ok is false when the file does not exist.
func (w *Workspace) Read(ctx context.Context, cellID, p string) (content string, ok bool, err error) {
	p, err = cleanPath(p)
	if err != nil {
		return "", false, err
	}
	err = w.s.db.QueryRowContext(ctx, `SELECT content FROM workspace_files WHERE cell_id = ? AND path = ?`, cellID, p).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("workspace read: %w", err)
	}
	return content, true, nil
}

// Write creates or replaces a file.
func (w *Workspace) Write(ctx context.Context, cellID, p, content string) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	_, err = w.s.db.ExecContext(ctx, `INSERT INTO workspace_files (cell_id, path, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(cell_id, path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		cellID, p, content, w.s.now())
	if err != nil {
		return fmt.Errorf("workspace write: %w", err)
	}
	return nil
}

// List returns the cell's file paths in lexical order.
func (w *Workspace) List(ctx context.Context, cellID string) ([]string, error) {
	rows, err := w.s.db.QueryContext(ctx, `SELECT path FROM workspace_files WHERE cell_id = ? ORDER BY path`, cellID)
	if err != nil {
		return nil, fmt.Errorf("workspace list: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a file. Deleting a missing file is not an error.
func (w *Workspace) Delete(ctx context.Context, cellID, p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	if _, err := w.s.db.ExecContext(ctx, `DELETE FROM workspace_files WHERE cell_id = ? AND path = ?`, cellID, p); err != nil {
		return fmt.Errorf("workspace delete: %w", err)
	}
	return nil
}
