package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, user_id, cell_id, conversation_id, title, executor, status, action, action_context,
	trigger_type, trigger_config, condition, why_human, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var actionCtx, triggerCfg string
	var completed sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.CellID, &t.ConversationID, &t.Title, &t.Executor, &t.Status,
		&t.Action, &actionCtx, &t.TriggerType, &triggerCfg, &t.Condition, &t.WhyHuman,
		&t.CreatedAt, &t.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	t.ActionContext = unmarshalMap(actionCtx)
	if triggerCfg != "" {
		_ = json.Unmarshal([]byte(triggerCfg), &t.TriggerConfig)
	}
	t.CompletedAt = nullTime(completed)
	return &t, nil
}

// CreateTask inserts a task. Missing id, status and executor are defaulted.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Executor == "" {
		t.Executor = ExecutorAI
	}
	if t.Executor != ExecutorAI && t.Executor != ExecutorHuman {
		return fmt.Errorf("invalid executor %q", t.Executor)
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	trigger := ""
	if t.TriggerType != TriggerNone {
		trigger = marshalJSON(t.TriggerConfig)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (id, user_id, cell_id, conversation_id, title, executor, status,
		action, action_context, trigger_type, trigger_config, condition, why_human, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.CellID, t.ConversationID, t.Title, t.Executor, t.Status,
		t.Action, marshalJSON(t.ActionContext), t.TriggerType, trigger, t.Condition, t.WhyHuman, now, now)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask reads a task fresh from storage.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	UserID   string
	CellID   string
	Statuses []string
	Limit    int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.CellID != "" {
		query += ` AND cell_id = ?`
		args = append(args, f.CellID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",") + `)`
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// ListTasksByTrigger returns tasks with the given trigger type and status, oldest first.
func (s *Store) ListTasksByTrigger(ctx context.Context, trigger, status string) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE trigger_type = ? AND status = ?
		ORDER BY created_at, rowid`, trigger, status)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TransitionTask moves a task to status `to` only if its current status is one of from.
// It reports whether the row changed. completed_at is stamped for completed and failed.
func (s *Store) TransitionTask(ctx context.Context, id string, from []string, to string) (bool, error) {
	return transitionTask(ctx, s.db, s.now(), id, from, to)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func transitionTask(ctx context.Context, db execer, now time.Time, id string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition task: no source status")
	}
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{to, now}
	if to == TaskCompleted || to == TaskFailed {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(from)), ",") + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TaskUpdate holds optional field changes for UpdateTaskFields.
type TaskUpdate struct {
	Title         *string
	Action        *string
	ActionContext map[string]any
	TriggerType   *string
	TriggerConfig *TriggerConfig
}

// UpdateTaskFields applies the non-nil fields of u.
func (s *Store) UpdateTaskFields(ctx context.Context, id string, u TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}
	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Action != nil {
		sets = append(sets, "action = ?")
		args = append(args, *u.Action)
	}
	if u.ActionContext != nil {
		sets = append(sets, "action_context = ?")
		args = append(args, marshalJSON(u.ActionContext))
	}
	if u.TriggerType != nil {
		sets = append(sets, "trigger_type = ?")
		args = append(args, *u.TriggerType)
	}
	if u.TriggerConfig != nil {
		sets = append(sets, "trigger_config = ?")
		args = append(args, marshalJSON(u.TriggerConfig))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task and its runs.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CreateTaskRun opens a run record in the running state.
func (s *Store) CreateTaskRun(ctx context.Context, taskID string) (*TaskRun, error) {
	r := &TaskRun{ID: newID(), TaskID: taskID, Status: RunRunning, StartedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_runs (id, task_id, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Status, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create task run: %w", err)
	}
	return r, nil
}

// FinishTaskRun closes a running run. Closed runs are immutable.
func (s *Store) FinishTaskRun(ctx context.Context, runID, status string, result map[string]any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_runs SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = ?`, status, marshalJSON(result), s.now(), runID, RunRunning)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task run %s not running: %w", runID, ErrNotFound)
	}
	return nil
}

// ListTaskRuns returns a task's runs, oldest first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, status, result, started_at, completed_at
		FROM task_runs WHERE task_id = ? ORDER BY started_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()
	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var result string
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Status, &result, &r.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.Result = unmarshalMap(result)
		r.CompletedAt = nullTime(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}
