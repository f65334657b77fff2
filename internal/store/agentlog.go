package store

import (
	"context"
	"fmt"
	"time"
)

// Agent run actions.
const (
	ActionChatResponse      = "chat_response"
	ActionToolExecution     = "tool_execution"
	ActionTaskCreated       = "task_created"
	ActionTaskCompleted     = "task_completed"
	ActionDraftCreated      = "draft_created"
	ActionMemorySaved       = "memory_saved"
	ActionMemoryCompressed  = "memory_compressed"
	ActionHeartbeatCheck    = "heartbeat_check"
	ActionHeartbeatSilent   = "heartbeat_silent"
	ActionWebhookReceived   = "webhook_received"
	ActionScheduleTriggered = "schedule_triggered"
	ActionError             = "error"
)

// LogAgentRun appends an audit entry. A missing batch id gets a fresh one.
func (s *Store) LogAgentRun(ctx context.Context, r *AgentRun) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.BatchID == "" {
		r.BatchID = newID()
	}
	r.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_runs (id, user_id, cell_id, action, details, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, r.ID, r.UserID, r.CellID, r.Action, marshalJSON(r.Details), r.BatchID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("log agent run: %w", err)
	}
	return nil
}

// AgentRunFilter narrows SearchAgentRuns.
type AgentRunFilter struct {
	UserID  string
	CellID  string
	Action  string
	BatchID string
	Since   time.Time
	Limit   int
}

// SearchAgentRuns returns matching audit entries, newest first.
func (s *Store) SearchAgentRuns(ctx context.Context, f AgentRunFilter) ([]AgentRun, error) {
	query := `SELECT id, user_id, cell_id, action, details, batch_id, created_at FROM agent_runs WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.CellID != "" {
		query += ` AND cell_id = ?`
		args = append(args, f.CellID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search agent runs: %w", err)
	}
	defer rows.Close()
	var out []AgentRun
	for rows.Next() {
		var r AgentRun
		var details string
		if err := rows.Scan(&r.ID, &r.UserID, &r.CellID, &r.Action, &details, &r.BatchID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		r.Details = unmarshalMap(details)
		out = append(out, r)
	}
	return out, rows.Err()
}
