package store

import (
	"encoding/json"
	"time"
)

// Cell statuses.
const (
	CellActive    = "active"
	CellCompleted = "completed"
	CellIgnored   = "ignored"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Task executors.
const (
	ExecutorAI    = "ai"
	ExecutorHuman = "human"
)

// Task statuses.
const (
	TaskPending            = "pending"
	TaskInProgress         = "in_progress"
	TaskAwaitingUserAction = "awaiting_user_action"
	TaskCompleted          = "completed"
	TaskFailed             = "failed"
	TaskSkipped            = "skipped"
	TaskPaused             = "paused"
)

// Task trigger types. An empty trigger means the task is one-shot and manual.
const (
	TriggerNone  = ""
	TriggerDelay = "delay"
	TriggerCron  = "cron"
	TriggerEvent = "event"
)

// Task run statuses.
const (
	RunRunning      = "running"
	RunCompleted    = "completed"
	RunFailed       = "failed"
	RunWaitingHuman = "waiting_human"
)

// Draft statuses.
const (
	DraftPending   = "pending"
	DraftConfirmed = "confirmed"
	DraftCancelled = "cancelled"
)

// Well-known cell state layers.
const (
	LayerFactualHistory = "L2"
	LayerLiveState      = "L3"
	LayerUserIntent     = "L5"
	LayerActionChain    = "L6"
	LayerHeartbeat      = "heartbeat"
	LayerHeartbeatState = "heartbeat_state"
)

// CompressedLayers are the layers owned by the memory compressor, in prompt order.
var CompressedLayers = []string{LayerFactualHistory, LayerLiveState, LayerUserIntent, LayerActionChain}

// User is the owner profile used for prompt assembly.
type User struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	Timezone           string    `json:"timezone"`
	Language           string    `json:"language"`
	NotificationPolicy string    `json:"notificationPolicy"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Cell is a semantic context cluster.
type Cell struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// CellLayer is one named memory layer of a cell.
type CellLayer struct {
	CellID    string    `json:"cellId"`
	Layer     string    `json:"layer"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conversation groups ordered messages under one cell.
type Conversation struct {
	ID        string    `json:"id"`
	CellID    string    `json:"cellId"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is immutable after insert except for Metadata/Reactions.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Reactions      []string       `json:"reactions,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Task is a schedulable or one-shot unit of agent work.
type Task struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	CellID         string         `json:"cellId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Title          string         `json:"title"`
	Executor       string         `json:"executor"`
	Status         string         `json:"status"`
	Action         string         `json:"action,omitempty"`
	ActionContext  map[string]any `json:"actionContext,omitempty"`
	TriggerType    string         `json:"triggerType,omitempty"`
	TriggerConfig  TriggerConfig  `json:"triggerConfig"`
	Condition      string         `json:"condition,omitempty"`
	WhyHuman       string         `json:"whyHuman,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// DraftID returns the draft referenced by the task's action context, if any.
func (t *Task) DraftID() string {
	if t == nil || t.ActionContext == nil {
		return ""
	}
	id, _ := t.ActionContext["draftId"].(string)
	return id
}

// Recurring reports whether the task fires repeatedly.
func (t *Task) Recurring() bool {
	return t != nil && t.TriggerType == TriggerCron
}

// TriggerConfig carries trigger-specific settings.
type TriggerConfig struct {
	Delay      *Delay `json:"delay,omitempty"`
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Event      string `json:"event,omitempty"`
}

// Delay is a relative fire time.
type Delay struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"` // minutes, hours, days
}

// Duration converts the delay into a time.Duration. Unknown units are read as milliseconds.
func (d Delay) Duration() time.Duration {
	v := time.Duration(d.Value)
	switch d.Unit {
	case "minutes":
		return v * time.Minute
	case "hours":
		return v * time.Hour
	case "days":
		return v * 24 * time.Hour
	default:
		return v * time.Millisecond
	}
}

// TaskRun is an audit record of one execution attempt.
type TaskRun struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Draft is a proposed external action awaiting confirmation.
type Draft struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	CellID        string         `json:"cellId"`
	DraftType     string         `json:"draftType"`
	Content       map[string]any `json:"content"`
	Status        string         `json:"status"`
	Version       int            `json:"version"`
	ParentDraftID string         `json:"parentDraftId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// UserMemory is a durable fact about the user.
type UserMemory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgentRun is one append-only audit entry.
type AgentRun struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	CellID    string         `json:"cellId,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	BatchID   string         `json:"batchId"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Connection is a linked third-party capability for a user.
type Connection struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Provider  string    `json:"provider"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Job is a pending one-shot entry in the durable queue.
type Job struct {
	Key       string    `json:"key"`
	TaskID    string    `json:"taskId"`
	RunAt     time.Time `json:"runAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// Schema is the full DDL applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	timezone TEXT NOT NULL DEFAULT 'UTC',
	language TEXT NOT NULL DEFAULT 'en',
	notification_policy TEXT NOT NULL DEFAULT 'auto',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cells (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	fingerprint TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cells_user_seen ON cells(user_id, status, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_cells_fingerprint ON cells(user_id, fingerprint);

CREATE TABLE IF NOT EXISTS cell_state (
	cell_id TEXT NOT NULL REFERENCES cells(id),
	layer TEXT NOT NULL,
	content TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (cell_id, layer)
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	cell_id TEXT NOT NULL REFERENCES cells(id),
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_cell ON conversations(cell_id, user_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '',
	reactions TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	cell_id TEXT NOT NULL REFERENCES cells(id),
	conversation_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	executor TEXT NOT NULL DEFAULT 'ai',
	status TEXT NOT NULL DEFAULT 'pending',
	action TEXT NOT NULL DEFAULT '',
	action_context TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL DEFAULT '',
	trigger_config TEXT NOT NULL DEFAULT '',
	condition TEXT NOT NULL DEFAULT '',
	why_human TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_cell_status ON tasks(cell_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_trigger ON tasks(trigger_type, status);

CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, started_at);

CREATE TABLE IF NOT EXISTS drafts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	cell_id TEXT NOT NULL,
	draft_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	version INTEGER NOT NULL DEFAULT 1,
	parent_draft_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS user_memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories(user_id, created_at);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	cell_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_user ON agent_runs(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_agent_runs_batch ON agent_runs(batch_id);

CREATE TABLE IF NOT EXISTS workspace_files (
	cell_id TEXT NOT NULL,
	path TEXT NOT NULL,
	content TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (cell_id, path)
);

CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	UNIQUE (user_id, provider)
);

CREATE TABLE IF NOT EXISTS message_embeddings (
	message_id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_embeddings_conv ON message_embeddings(conversation_id);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	job_key TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	run_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_run_at ON scheduled_jobs(run_at);
`
