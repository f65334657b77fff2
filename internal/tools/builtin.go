package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cellagent/cellagent/internal/store"
)

// Store is the persistence surface the built-in tools need.
type Store interface {
	ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error)
	CreateTask(ctx context.Context, t *store.Task) error
	CreateDraft(ctx context.Context, userID, cellID, draftType string, content map[string]any) (*store.Draft, error)
	AddMemory(ctx context.Context, userID, category, content string) (*store.UserMemory, error)
	ListMemories(ctx context.Context, userID string) ([]store.UserMemory, error)
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
}

// Searcher ranks a conversation's messages against a free-text query.
type Searcher interface {
	Search(ctx context.Context, conversationID, query string, limit int) ([]store.ScoredMessage, error)
}

// TaskScheduler registers a task's trigger after creation.
type TaskScheduler interface {
	ScheduleTask(ctx context.Context, taskID string) error
}

// Builtins holds the collaborators of the built-in tools. Scheduler may be set
// after Register, before the first tool call.
type Builtins struct {
	Store     Store
	Search    Searcher
	Scheduler TaskScheduler
}

// Register adds the built-in tools to r.
func (b *Builtins) Register(r *Registry) {
	r.RegisterFunc("search_conversation",
		"Search conversation history using semantic similarity. Use when you need to find specific information from past messages.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "What to search for"},
				"limit": map[string]any{"type": "integer", "description": "Max results (default 5)"},
			},
			"required": []string{"query"},
		}, b.searchConversation)

	r.RegisterFunc("list_tasks",
		"List tasks in the current cell. Optionally filter by status.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{"type": "string", "description": "Filter by status: pending, completed, failed, etc."},
			},
		}, b.listTasks)

	r.RegisterFunc("create_task",
		"Create a new task. Use for scheduling follow-ups, reminders, or creating approval tasks for the user.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":       map[string]any{"type": "string", "description": "Task title"},
				"executor":    map[string]any{"type": "string", "enum": []string{store.ExecutorAI, store.ExecutorHuman}, "description": "Who executes this task"},
				"action":      map[string]any{"type": "string", "description": "Instructions for AI tasks"},
				"whyHuman":    map[string]any{"type": "string", "description": "Why human review is needed"},
				"triggerType": map[string]any{"type": "string", "enum": []string{store.TriggerDelay, store.TriggerCron, store.TriggerEvent}, "description": "Scheduling type"},
				"triggerConfig": map[string]any{
					"type":        "object",
					"description": `Schedule config: {"delay":{"value":30,"unit":"minutes"}} or {"expression":"0 9 * * 1-5","timezone":"Europe/Berlin"}`,
				},
				"actionContext": map[string]any{"type": "object", "description": "Extra context, e.g. {\"draftId\": \"...\"}"},
			},
			"required": []string{"title", "executor"},
		}, b.createTask)

	r.RegisterFunc("create_draft",
		"Create a draft for human review (e.g., GitHub issue, PR, or generic content).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"draftType": map[string]any{"type": "string", "description": "Type: github_issue, github_pr, generic"},
				"content":   map[string]any{"type": "object", "description": "Draft content (varies by type)"},
			},
			"required": []string{"draftType", "content"},
		}, b.createDraft)

	r.RegisterFunc("save_memory",
		`Save a fact about the user for future reference. Use when user says "remember that..." or shares a preference.`,
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{"type": "string", "enum": store.MemoryCategories},
				"content":  map[string]any{"type": "string", "description": "The fact to remember (natural language)"},
			},
			"required": []string{"category", "content"},
		}, b.saveMemory)

	r.RegisterFunc("get_user_memories",
		"Retrieve saved user memories/preferences.",
		nil, b.getUserMemories)
}

func (b *Builtins) searchConversation(ctx context.Context, ec ExecContext, params map[string]any) (any, error) {
	query := strings.TrimSpace(GetString(params, "query", ""))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if b.Search == nil {
		return nil, fmt.Errorf("semantic search is not configured")
	}
	hits, err := b.Search.Search(ctx, ec.ConversationID, query, GetInt(params, "limit", 5))
	if err != nil {
		return nil, fmt.Errorf("search conversation: %w", err)
	}
	if len(hits) == 0 {
		return map[string]any{"results": []any{}, "message": "No relevant messages found"}, nil
	}
	results := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{"role": h.Role, "content": h.Content, "createdAt": h.CreatedAt})
	}
	return map[string]any{"results": results}, nil
}

func (b *Builtins) listTasks(ctx context.Context, ec ExecContext, params map[string]any) (any, error) {
	f := store.TaskFilter{CellID: ec.CellID, Limit: 20}
	if st := GetString(params, "status", ""); st != "" {
		f.Statuses = []string{st}
	}
	tasks, err := b.Store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{"id": t.ID, "title": t.Title, "status": t.Status, "executor": t.Executor})
	}
	return map[string]any{"tasks": out}, nil
}

func (b *Builtins) createTask(ctx context.Context, ec ExecContext, params map[string]any) (any, error) {
	title := strings.TrimSpace(GetString(params, "title", ""))
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	t := &store.Task{
		UserID:         ec.UserID,
		CellID:         ec.CellID,
		ConversationID: ec.ConversationID,
		Title:          title,
		Executor:       GetString(params, "executor", store.ExecutorAI),
		Action:         GetString(params, "action", ""),
		WhyHuman:       GetString(params, "whyHuman", ""),
		TriggerType:    GetString(params, "triggerType", store.TriggerNone),
		ActionContext:  GetMap(params, "actionContext"),
	}
	if raw := GetMap(params, "triggerConfig"); raw != nil {
		encoded, _ := json.Marshal(raw)
		if err := json.Unmarshal(encoded, &t.TriggerConfig); err != nil {
			return nil, fmt.Errorf("invalid triggerConfig: %w", err)
		}
	}
	switch t.TriggerType {
	case store.TriggerNone, store.TriggerEvent:
	case store.TriggerDelay:
		if t.TriggerConfig.Delay == nil || t.TriggerConfig.Delay.Value <= 0 {
			return nil, fmt.Errorf("delay trigger needs triggerConfig.delay.value > 0")
		}
	case store.TriggerCron:
		if strings.TrimSpace(t.TriggerConfig.Expression) == "" {
			return nil, fmt.Errorf("cron trigger needs triggerConfig.expression")
		}
	default:
		return nil, fmt.Errorf("unsupported triggerType %q", t.TriggerType)
	}
	// A human task with nothing to wait for is surfaced for approval right away.
	if t.Executor == store.ExecutorHuman && t.TriggerType == store.TriggerNone {
		t.Status = store.TaskAwaitingUserAction
	}
	if err := b.Store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	_ = b.Store.LogAgentRun(ctx, &store.AgentRun{UserID: ec.UserID, CellID: ec.CellID, Action: store.ActionTaskCreated,
		Details: map[string]any{"taskId": t.ID, "title": t.Title, "executor": t.Executor, "triggerType": t.TriggerType}})

	result := map[string]any{"task": map[string]any{"id": t.ID, "title": t.Title, "status": t.Status}}
	if (t.TriggerType == store.TriggerDelay || t.TriggerType == store.TriggerCron) && b.Scheduler != nil {
		if err := b.Scheduler.ScheduleTask(ctx, t.ID); err != nil {
			slog.Warn("Task created but not scheduled", "task_id", t.ID, "error", err)
			result["scheduleError"] = err.Error()
		} else {
			result["scheduled"] = true
		}
	}
	return result, nil
}

func (b *Builtins) createDraft(ctx context.Context, ec ExecContext, params map[string]any) (any, error) {
	draftType := GetString(params, "draftType", "")
	content := GetMap(params, "content")
	if draftType == "" || content == nil {
		return nil, fmt.Errorf("draftType and content are required")
	}
	d, err := b.Store.CreateDraft(ctx, ec.UserID, ec.CellID, draftType, content)
	if err != nil {
		return nil, err
	}
	_ = b.Store.LogAgentRun(ctx, &store.AgentRun{UserID: ec.UserID, CellID: ec.CellID, Action: store.ActionDraftCreated,
		Details: map[string]any{"draftId": d.ID, "draftType": d.DraftType}})
	return map[string]any{"draft": map[string]any{"id": d.ID, "draftType": d.DraftType, "status": d.Status}}, nil
}

func (b *Builtins) saveMemory(ctx context.Context, ec ExecContext, params map[string]any) (any, error) {
	m, err := b.Store.AddMemory(ctx, ec.UserID, GetString(params, "category", ""), GetString(params, "content", ""))
	if err != nil {
		return nil, err
	}
	_ = b.Store.LogAgentRun(ctx, &store.AgentRun{UserID: ec.UserID, CellID: ec.CellID, Action: store.ActionMemorySaved,
		Details: map[string]any{"memoryId": m.ID, "category": m.Category}})
	return map[string]any{"saved": true, "id": m.ID}, nil
}

func (b *Builtins) getUserMemories(ctx context.Context, ec ExecContext, _ map[string]any) (any, error) {
	mems, err := b.Store.ListMemories(ctx, ec.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(mems))
	for _, m := range mems {
		out = append(out, map[string]any{"category": m.Category, "content": m.Content})
	}
	return map[string]any{"memories": out}, nil
}
