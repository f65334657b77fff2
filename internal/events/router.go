package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/store"
)

// SourceGitHub is the only inbound source the router maps today.
const SourceGitHub = "github"

// Envelope is the JSON shape of an inbound event on Kafka.
type Envelope struct {
	Source  string          `json:"source"`
	Event   string          `json:"event"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Store is the persistence surface the router needs.
type Store interface {
	FindCellByFingerprint(ctx context.Context, userID, fingerprint string) (*store.Cell, error)
	CreateCell(ctx context.Context, userID, name, fingerprint string) (*store.Cell, error)
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
	FirstActiveConnectionUser(ctx context.Context, provider string) (string, error)
	ListTasksByTrigger(ctx context.Context, trigger, status string) ([]store.Task, error)
}

// Conductor runs one signal.
type Conductor interface {
	Run(ctx context.Context, sig agent.Signal) (*agent.Result, error)
}

// TaskRunner fires a task out of schedule.
type TaskRunner interface {
	RunNow(ctx context.Context, taskID string) error
}

// Router maps inbound events onto cells and hands them to the conductor.
type Router struct {
	store     Store
	conductor Conductor
	tasks     TaskRunner
}

// NewRouter creates a Router. tasks may be nil, in which case event-triggered
// tasks are left alone.
func NewRouter(s Store, c Conductor, tasks TaskRunner) *Router {
	return &Router{store: s, conductor: c, tasks: tasks}
}

// Handle decodes one consumer message and dispatches it.
func (r *Router) Handle(ctx context.Context, msg ConsumerMessage) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch strings.ToLower(env.Source) {
	case SourceGitHub:
		return r.HandleGitHub(ctx, env.UserID, env.Event, env.Payload)
	default:
		slog.Debug("Event source ignored", "topic", msg.Topic, "source", env.Source)
		return nil
	}
}

// HandleGitHub routes one GitHub webhook event. When userID is empty the
// owner of the first active github connection receives it.
func (r *Router) HandleGitHub(ctx context.Context, userID, event string, payload json.RawMessage) error {
	content, repo, ok := GitHubEventContent(event, payload)
	if !ok {
		slog.Debug("GitHub event ignored", "event", event)
		return nil
	}

	if userID == "" {
		u, err := r.store.FirstActiveConnectionUser(ctx, SourceGitHub)
		if err != nil {
			return fmt.Errorf("resolve github user: %w", err)
		}
		if u == "" {
			slog.Warn("GitHub event without a connected user", "event", event, "repo", repo)
			return nil
		}
		userID = u
	}

	fingerprint := "github:" + repo
	cell, err := r.store.FindCellByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return fmt.Errorf("find event cell: %w", err)
	}
	if cell == nil {
		cell, err = r.store.CreateCell(ctx, userID, "GitHub: "+repo, fingerprint)
		if err != nil {
			return fmt.Errorf("create event cell: %w", err)
		}
	}

	_ = r.store.LogAgentRun(ctx, &store.AgentRun{
		UserID: userID,
		CellID: cell.ID,
		Action: store.ActionWebhookReceived,
		Details: map[string]any{
			"source": SourceGitHub,
			"event":  event,
			"repo":   repo,
		},
	})

	sig := agent.Signal{
		Kind:    agent.SignalEvent,
		UserID:  userID,
		CellID:  cell.ID,
		Content: "[GitHub Event] " + content,
		Metadata: map[string]any{
			"source": SourceGitHub,
			"event":  event,
			"repo":   repo,
		},
	}
	if _, err := r.conductor.Run(ctx, sig); err != nil {
		slog.Error("Event signal failed", "event", event, "repo", repo, "cell_id", cell.ID, "error", err)
	}

	r.fireEventTasks(ctx, userID, SourceGitHub+"."+event)
	return nil
}

// fireEventTasks runs the user's pending tasks waiting on name.
func (r *Router) fireEventTasks(ctx context.Context, userID, name string) {
	if r.tasks == nil {
		return
	}
	tasks, err := r.store.ListTasksByTrigger(ctx, store.TriggerEvent, store.TaskPending)
	if err != nil {
		slog.Warn("List event tasks failed", "event", name, "error", err)
		return
	}
	for _, t := range tasks {
		if t.UserID != userID || !strings.EqualFold(t.TriggerConfig.Event, name) {
			continue
		}
		if err := r.tasks.RunNow(ctx, t.ID); err != nil {
			slog.Warn("Event task not fired", "task_id", t.ID, "event", name, "error", err)
		}
	}
}

// Run consumes messages until ctx is done or the consumer closes.
func (r *Router) Run(ctx context.Context, c Consumer) error {
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.Messages():
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, msg); err != nil {
				slog.Warn("Event handling failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}
