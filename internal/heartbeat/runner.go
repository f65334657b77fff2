package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/store"
)

// Conductor runs one signal.
type Conductor interface {
	Run(ctx context.Context, sig agent.Signal) (*agent.Result, error)
}

// Store is the persistence surface of the runner.
type Store interface {
	GetLayer(ctx context.Context, cellID, layer string) (string, error)
	UpsertLayer(ctx context.Context, cellID, layer, content string) error
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
}

// Notifier delivers a notification under the user's policy.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Runner executes heartbeat rules.
type Runner struct {
	conductor Conductor
	store     Store
	notifier  Notifier
	now       func() time.Time
}

// NewRunner creates a Runner. notifier may be nil.
func NewRunner(c Conductor, s Store, n Notifier) *Runner {
	return &Runner{conductor: c, store: s, notifier: n, now: time.Now}
}

// LoadConfig reads and parses a cell's heartbeat layer.
func LoadConfig(ctx context.Context, s interface {
	GetLayer(ctx context.Context, cellID, layer string) (string, error)
}, cellID string) (*Config, error) {
	content, err := s.GetLayer(ctx, cellID, store.LayerHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("load heartbeat layer: %w", err)
	}
	return ParseConfig(content)
}

// Run executes every enabled rule of the cell. A failing rule is logged and
// does not stop the rest.
func (r *Runner) Run(ctx context.Context, cellID, userID string) error {
	cfg, err := LoadConfig(ctx, r.store, cellID)
	if err != nil {
		return err
	}
	if len(cfg.Rules) == 0 {
		slog.Debug("Heartbeat has no rules", "cell_id", cellID)
		return nil
	}
	for _, rule := range cfg.Rules {
		if !rule.IsEnabled() {
			continue
		}
		if err := r.runRule(ctx, cellID, userID, cfg, rule); err != nil {
			slog.Error("Heartbeat rule failed", "cell_id", cellID, "rule", rule.ID, "error", err)
		}
	}
	return nil
}

// RunRule executes a single rule. Disabled or unknown rules are a no-op.
func (r *Runner) RunRule(ctx context.Context, cellID, userID, ruleID string) error {
	cfg, err := LoadConfig(ctx, r.store, cellID)
	if err != nil {
		return err
	}
	rule, ok := cfg.Rule(ruleID)
	if !ok || !rule.IsEnabled() {
		slog.Info("Heartbeat rule not runnable", "cell_id", cellID, "rule", ruleID, "found", ok)
		return nil
	}
	return r.runRule(ctx, cellID, userID, cfg, rule)
}

func (r *Runner) runRule(ctx context.Context, cellID, userID string, cfg *Config, rule Rule) error {
	now := r.now().UTC()
	state := r.loadState(ctx, cellID)
	if cfg.MinInterval > 0 {
		if last, err := time.Parse(time.RFC3339, state[rule.ID]); err == nil && now.Sub(last) < cfg.MinInterval {
			slog.Info("Heartbeat rule skipped, ran recently", "cell_id", cellID, "rule", rule.ID, "last_run", last)
			return nil
		}
	}

	res, err := r.conductor.Run(ctx, agent.Signal{
		Kind:     agent.SignalHeartbeat,
		UserID:   userID,
		CellID:   cellID,
		Content:  rule.Prompt(),
		Metadata: map[string]any{"ruleId": rule.ID},
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", rule.ID, err)
	}

	state[rule.ID] = now.Format(time.RFC3339)
	r.saveState(ctx, cellID, state)

	response := strings.TrimSpace(res.Response)
	if agent.IsSilentReply(response) {
		slog.Info("Heartbeat silent", "cell_id", cellID, "rule", rule.ID)
		r.log(ctx, userID, cellID, store.ActionHeartbeatSilent, map[string]any{"ruleId": rule.ID})
		return nil
	}

	slog.Info("Heartbeat produced an update", "cell_id", cellID, "rule", rule.ID, "length", len(response))
	r.log(ctx, userID, cellID, store.ActionHeartbeatCheck, map[string]any{
		"ruleId":    rule.ID,
		"toolsUsed": res.ToolsUsed,
		"response":  preview(response, 200),
	})
	if r.notifier != nil {
		err := r.notifier.Notify(ctx, notify.Notification{
			UserID:   userID,
			Type:     notify.TypeInfo,
			Title:    "Heartbeat: " + rule.ID,
			Body:     response,
			CellID:   cellID,
			Metadata: map[string]any{"ruleId": rule.ID, "conversationId": res.ConversationID},
		})
		if err != nil {
			slog.Warn("Heartbeat notification failed", "rule", rule.ID, "error", err)
		}
	}
	return nil
}

// loadState returns rule id -> last run (RFC3339) from the heartbeat_state layer.
func (r *Runner) loadState(ctx context.Context, cellID string) map[string]string {
	state := make(map[string]string)
	raw, err := r.store.GetLayer(ctx, cellID, store.LayerHeartbeatState)
	if err != nil || raw == "" {
		return state
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		slog.Warn("Heartbeat state unreadable, starting fresh", "cell_id", cellID, "error", err)
		return make(map[string]string)
	}
	return state
}

func (r *Runner) saveState(ctx context.Context, cellID string, state map[string]string) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := r.store.UpsertLayer(ctx, cellID, store.LayerHeartbeatState, string(raw)); err != nil {
		slog.Warn("Heartbeat state not saved", "cell_id", cellID, "error", err)
	}
}

func (r *Runner) log(ctx context.Context, userID, cellID, action string, details map[string]any) {
	_ = r.store.LogAgentRun(ctx, &store.AgentRun{
		UserID:  userID,
		CellID:  cellID,
		Action:  action,
		Details: details,
		BatchID: uuid.NewString(),
	})
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
