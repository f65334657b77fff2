package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const cellColumns = `id, user_id, name, COALESCE(fingerprint,''), status, created_at, last_seen_at`

func scanCell(row interface{ Scan(...any) error }) (*Cell, error) {
	var c Cell
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Fingerprint, &c.Status, &c.CreatedAt, &c.LastSeenAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetUser returns the user profile. Unknown users get a default profile so the
// prompt can always be assembled.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, timezone, language, notification_policy, created_at
		FROM users WHERE id = ?`, userID).Scan(&u.ID, &u.Name, &u.Email, &u.Timezone, &u.Language, &u.NotificationPolicy, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &User{ID: userID, Timezone: "UTC", Language: "en", NotificationPolicy: "auto"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UpsertUser creates or updates a user profile.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.Language == "" {
		u.Language = "en"
	}
	if u.NotificationPolicy == "" {
		u.NotificationPolicy = "auto"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name, email, timezone, language, notification_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, timezone = excluded.timezone,
			language = excluded.language, notification_policy = excluded.notification_policy`,
		u.ID, u.Name, u.Email, u.Timezone, u.Language, u.NotificationPolicy, s.now())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateCell inserts a new active cell.
func (s *Store) CreateCell(ctx context.Context, userID, name, fingerprint string) (*Cell, error) {
	now := s.now()
	c := &Cell{ID: newID(), UserID: userID, Name: name, Fingerprint: fingerprint, Status: CellActive, CreatedAt: now, LastSeenAt: now}
	var fp any
	if fingerprint != "" {
		fp = fingerprint
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO cells (id, user_id, name, fingerprint, status, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, c.ID, c.UserID, c.Name, fp, c.Status, c.CreatedAt, c.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("create cell: %w", err)
	}
	return c, nil
}

// GetCell returns a cell by id.
func (s *Store) GetCell(ctx context.Context, id string) (*Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cell %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cell: %w", err)
	}
	return c, nil
}

// LatestActiveCell returns the user's most recently seen active cell, or nil.
func (s *Store) LatestActiveCell(ctx context.Context, userID string) (*Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells
		WHERE user_id = ? AND status = ? ORDER BY last_seen_at DESC, rowid DESC LIMIT 1`, userID, CellActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest active cell: %w", err)
	}
	return c, nil
}

// FindCellByFingerprint returns the user's cell with the given dedup key, or nil.
func (s *Store) FindCellByFingerprint(ctx context.Context, userID, fingerprint string) (*Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells
		WHERE user_id = ? AND fingerprint = ? ORDER BY created_at LIMIT 1`, userID, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cell by fingerprint: %w", err)
	}
	return c, nil
}

// ListCells returns the user's cells, most recently seen first. Empty status lists all.
func (s *Store) ListCells(ctx context.Context, userID, status string) ([]Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM cells WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY last_seen_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()
	var out []Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TouchCell bumps last_seen_at.
func (s *Store) TouchCell(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cells SET last_seen_at = ? WHERE id = ?`, s.now(), id)
	if err != nil {
		return fmt.Errorf("touch cell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cell %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetCellStatus changes a cell's status. Cells are never hard-deleted.
func (s *Store) SetCellStatus(ctx context.Context, id, status string) error {
	switch status {
	case CellActive, CellCompleted, CellIgnored:
	default:
		return fmt.Errorf("invalid cell status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE cells SET status = ? WHERE id = ?`, status, id)
	return err
}

// UpsertLayer overwrites one cell state layer as a whole.
func (s *Store) UpsertLayer(ctx context.Context, cellID, layer, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO cell_state (cell_id, layer, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cell_id, layer) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		cellID, layer, content, s.now())
	if err != nil {
		return fmt.Errorf("upsert layer %s: %w", layer, err)
	}
	return nil
}

// GetLayer returns one layer's content. Missing layers return "" and no error.
func (s *Store) GetLayer(ctx context.Context, cellID, layer string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM cell_state WHERE cell_id = ? AND layer = ?`, cellID, layer).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get layer %s: %w", layer, err)
	}
	return content, nil
}

// ListLayers returns all layers of a cell ordered by layer name.
func (s *Store) ListLayers(ctx context.Context, cellID string) ([]CellLayer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cell_id, layer, content, updated_at FROM cell_state
		WHERE cell_id = ? ORDER BY layer`, cellID)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer rows.Close()
	var out []CellLayer
	for rows.Next() {
		var l CellLayer
		if err := rows.Scan(&l.CellID, &l.Layer, &l.Content, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CellsWithLayer returns the active cells that carry the given layer.
func (s *Store) CellsWithLayer(ctx context.Context, layer string) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.user_id, c.name, COALESCE(c.fingerprint,''), c.status, c.created_at, c.last_seen_at
		FROM cells c JOIN cell_state cs ON cs.cell_id = c.id
		WHERE cs.layer = ? AND c.status = ?`, layer, CellActive)
	if err != nil {
		return nil, fmt.Errorf("cells with layer: %w", err)
	}
	defer rows.Close()
	var out []Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpsertConnection records that a user has linked a provider.
func (s *Store) UpsertConnection(ctx context.Context, userID, provider, status string) error {
	if status == "" {
		status = "active"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO connections (id, user_id, provider, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET status = excluded.status`,
		newID(), userID, provider, status, s.now())
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// ListActiveConnections returns the provider names a user has connected.
func (s *Store) ListActiveConnections(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider FROM connections WHERE user_id = ? AND status = 'active' ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
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

// FirstActiveConnectionUser returns the user owning an active connection for provider.
func (s *Store) FirstActiveConnectionUser(ctx context.Context, provider string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM connections WHERE provider = ? AND status = 'active'
		ORDER BY created_at LIMIT 1`, provider).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return userID, err
}
