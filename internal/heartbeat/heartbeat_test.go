package heartbeat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/store"
)

type fakeConductor struct {
	mu       sync.Mutex
	replies  map[string]string // rule id -> reply
	failures map[string]error
	signals  []agent.Signal
}

func (c *fakeConductor) Run(ctx context.Context, sig agent.Signal) (*agent.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	rule, _ := sig.Metadata["ruleId"].(string)
	if err := c.failures[rule]; err != nil {
		return nil, err
	}
	return &agent.Result{Response: c.replies[rule], CellID: sig.CellID, ConversationID: "conv"}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func newCell(t *testing.T, config string) (*store.Store, *store.Cell) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "heartbeat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	cell, err := s.CreateCell(ctx, "u1", "Ops", "")
	if err != nil {
		t.Fatalf("create cell: %v", err)
	}
	if err := s.UpsertLayer(ctx, cell.ID, store.LayerHeartbeat, config); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}
	return s, cell
}

func countRuns(t *testing.T, s *store.Store, cellID, action string) int {
	t.Helper()
	runs, err := s.SearchAgentRuns(context.Background(), store.AgentRunFilter{CellID: cellID, Action: action})
	if err != nil {
		t.Fatalf("search runs: %v", err)
	}
	return len(runs)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(`
rules:
  - id: standup
    cron: "0 9 * * 1-5"
    checklist:
      - Any PR waiting for review?
      - Any failed deploy?
  - id: weekend
    cron: "0 10 * * 6"
    enabled: false
min_interval: 30m
timezone: Europe/Berlin
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Rules) != 2 || cfg.MinInterval != 30*time.Minute || cfg.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	standup, ok := cfg.Rule("standup")
	if !ok || !standup.IsEnabled() {
		t.Fatal("standup should be enabled by default")
	}
	if weekend, _ := cfg.Rule("weekend"); weekend.IsEnabled() {
		t.Error("weekend is disabled")
	}
	if _, ok := cfg.Rule("missing"); ok {
		t.Error("unknown rule found")
	}

	want := "Heartbeat check (standup):\n1. Any PR waiting for review?\n2. Any failed deploy?\n\n" +
		"Review each item. If there are updates or actions needed, notify the user. If nothing noteworthy, stay silent."
	if got := standup.Prompt(); got != want {
		t.Errorf("Prompt() =\n%s\nwant\n%s", got, want)
	}

	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ParseConfig(out)
	if err != nil || len(again.Rules) != 2 || again.MinInterval != cfg.MinInterval {
		t.Errorf("re-parse of marshalled config failed: %v %+v", err, again)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for name, content := range map[string]string{
		"missing id":   "rules:\n  - cron: '* * * * *'\n",
		"duplicate id": "rules:\n  - id: a\n  - id: a\n",
		"not yaml":     "rules: [unterminated",
	} {
		if _, err := ParseConfig(content); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
	cfg, err := ParseConfig("  \n")
	if err != nil || len(cfg.Rules) != 0 {
		t.Errorf("blank content should give an empty config, got %+v, %v", cfg, err)
	}
}

const twoRules = `
rules:
  - id: quiet
    cron: "*/5 * * * *"
    checklist: ["Anything new?"]
  - id: loud
    cron: "0 9 * * *"
    checklist: ["Summarise open PRs"]
  - id: off
    cron: "0 9 * * *"
    enabled: false
`

func TestRunSilentAndNotify(t *testing.T) {
	s, cell := newCell(t, twoRules)
	conductor := &fakeConductor{replies: map[string]string{"quiet": " HEARTBEAT_OK\n", "loud": "Two PRs need review."}}
	notes := &recordingNotifier{}

	if err := NewRunner(conductor, s, notes).Run(context.Background(), cell.ID, "u1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(conductor.signals) != 2 {
		t.Fatalf("expected 2 signals, disabled rule excluded, got %d", len(conductor.signals))
	}
	for _, sig := range conductor.signals {
		if sig.Kind != agent.SignalHeartbeat || sig.CellID != cell.ID || !strings.HasPrefix(sig.Content, "Heartbeat check (") {
			t.Errorf("unexpected signal %+v", sig)
		}
	}
	if len(notes.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes.notes))
	}
	if n := notes.notes[0]; n.Type != notify.TypeInfo || n.Body != "Two PRs need review." || n.CellID != cell.ID {
		t.Errorf("unexpected notification %+v", n)
	}
	if got := countRuns(t, s, cell.ID, store.ActionHeartbeatSilent); got != 1 {
		t.Errorf("heartbeat_silent runs = %d", got)
	}
	if got := countRuns(t, s, cell.ID, store.ActionHeartbeatCheck); got != 1 {
		t.Errorf("heartbeat_check runs = %d", got)
	}
}

func TestRunRuleFailureDoesNotBlockOthers(t *testing.T) {
	s, cell := newCell(t, twoRules)
	conductor := &fakeConductor{
		replies:  map[string]string{"loud": "update"},
		failures: map[string]error{"quiet": errors.New("provider down")},
	}
	notes := &recordingNotifier{}

	if err := NewRunner(conductor, s, notes).Run(context.Background(), cell.ID, "u1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(notes.notes) != 1 {
		t.Errorf("the healthy rule should still notify, got %d notifications", len(notes.notes))
	}

	err := NewRunner(conductor, s, notes).RunRule(context.Background(), cell.ID, "u1", "quiet")
	if err == nil {
		t.Error("RunRule should surface the conductor error")
	}
}

func TestRunRuleSkipsDisabledAndUnknown(t *testing.T) {
	s, cell := newCell(t, twoRules)
	conductor := &fakeConductor{}
	r := NewRunner(conductor, s, nil)
	for _, id := range []string{"off", "nope"} {
		if err := r.RunRule(context.Background(), cell.ID, "u1", id); err != nil {
			t.Errorf("RunRule(%s): %v", id, err)
		}
	}
	if len(conductor.signals) != 0 {
		t.Errorf("no signal expected, got %d", len(conductor.signals))
	}
}

func TestMinInterval(t *testing.T) {
	s, cell := newCell(t, "min_interval: 1h\nrules:\n  - id: quiet\n    cron: '* * * * *'\n")
	conductor := &fakeConductor{replies: map[string]string{"quiet": "HEARTBEAT_OK"}}
	r := NewRunner(conductor, s, nil)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := r.RunRule(ctx, cell.ID, "u1", "quiet"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(conductor.signals) != 1 {
		t.Fatalf("second run inside min_interval should be skipped, got %d signals", len(conductor.signals))
	}

	now = now.Add(61 * time.Minute)
	if err := r.RunRule(ctx, cell.ID, "u1", "quiet"); err != nil {
		t.Fatalf("run after interval: %v", err)
	}
	if len(conductor.signals) != 2 {
		t.Errorf("expected the rule to run again after the interval, got %d signals", len(conductor.signals))
	}
	state, _ := s.GetLayer(ctx, cell.ID, store.LayerHeartbeatState)
	if !strings.Contains(state, `"quiet":"2026-03-02T10:01:00Z"`) {
		t.Errorf("unexpected heartbeat state %q", state)
	}
}

func TestRunWithoutConfig(t *testing.T) {
	s, cell := newCell(t, "")
	conductor := &fakeConductor{}
	if err := NewRunner(conductor, s, nil).Run(context.Background(), cell.ID, "u1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(conductor.signals) != 0 {
		t.Error("no rules, no signals")
	}
}
