package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const draftColumns = `id, user_id, cell_id, draft_type, content, status, version, parent_draft_id, created_at, updated_at`

func scanDraft(row interface{ Scan(...any) error }) (*Draft, error) {
	var d Draft
	var content string
	if err := row.Scan(&d.ID, &d.UserID, &d.CellID, &d.DraftType, &content, &d.Status, &d.Version,
		&d.ParentDraftID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Content = unmarshalMap(content)
	return &d, nil
}

// CreateDraft inserts a pending draft at version 1.
func (s *Store) CreateDraft(ctx context.Context, userID, cellID, draftType string, content map[string]any) (*Draft, error) {
	now := s.now()
	d := &Draft{ID: newID(), UserID: userID, CellID: cellID, DraftType: draftType, Content: content,
		Status: DraftPending, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := insertDraft(ctx, s.db, d); err != nil {
		return nil, err
	}
	return d, nil
}

func insertDraft(ctx context.Context, db execer, d *Draft) error {
	_, err := db.ExecContext(ctx, `INSERT INTO drafts (id, user_id, cell_id, draft_type, content, status, version,
		parent_draft_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.CellID, d.DraftType, marshalJSON(d.Content), d.Status, d.Version, d.ParentDraftID,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create draft: %w", err)
	}
	return nil
}

// GetDraft returns a draft by id.
func (s *Store) GetDraft(ctx context.Context, id string) (*Draft, error) {
	d, err := scanDraft(s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

// SetDraftStatus moves a pending draft to status. Drafts that already left
// pending are not touched; the return value reports whether the row changed.
func (s *Store) SetDraftStatus(ctx context.Context, id, status string) (bool, error) {
	return setDraftStatus(ctx, s.db, s.now(), id, status)
}

func setDraftStatus(ctx context.Context, db execer, now time.Time, id, status string) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE drafts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, now, id, DraftPending)
	if err != nil {
		return false, fmt.Errorf("set draft status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReviseDraft cancels the pending draft and creates its successor with version+1.
func (s *Store) ReviseDraft(ctx context.Context, id string, content map[string]any) (*Draft, error) {
	parent, err := s.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.Status != DraftPending {
		return nil, fmt.Errorf("draft %s is %s, only pending drafts can be revised", id, parent.Status)
	}
	now := s.now()
	next := &Draft{ID: newID(), UserID: parent.UserID, CellID: parent.CellID, DraftType: parent.DraftType,
		Content: content, Status: DraftPending, Version: parent.Version + 1, ParentDraftID: parent.ID,
		CreatedAt: now, UpdatedAt: now}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := setDraftStatus(ctx, tx, now, parent.ID, DraftCancelled); err != nil {
			return err
		}
		return insertDraft(ctx, tx, next)
	})
	if err != nil {
		return nil, fmt.Errorf("revise draft: %w", err)
	}
	return next, nil
}

// ApproveTask confirms the draft (if any) and moves the task from
// awaiting_user_action to status to in one transaction. It reports false
// without changes when the task is not awaiting user action.
func (s *Store) ApproveTask(ctx context.Context, taskID, draftID, to string) (bool, error) {
	applied := false
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTask(ctx, tx, now, taskID, []string{TaskAwaitingUserAction}, to)
		if err != nil || !ok {
			return err
		}
		if draftID != "" {
			if _, err := setDraftStatus(ctx, tx, now, draftID, DraftConfirmed); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("approve task: %w", err)
	}
	return applied, nil
}

// RejectTask cancels the draft (if any) and moves the task from one of from to
// status to in one transaction.
func (s *Store) RejectTask(ctx context.Context, taskID, draftID string, from []string, to string) (bool, error) {
	applied := false
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTask(ctx, tx, now, taskID, from, to)
		if err != nil || !ok {
			return err
		}
		if draftID != "" {
			if _, err := setDraftStatus(ctx, tx, now, draftID, DraftCancelled); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reject task: %w", err)
	}
	return applied, nil
}
