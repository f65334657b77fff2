package approval

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/store"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
	ran       []string
}

func (f *fakeScheduler) ScheduleTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, taskID)
	return nil
}

func (f *fakeScheduler) CancelScheduledTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeScheduler) RunNow(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, taskID)
	return nil
}

type fakePublisher struct {
	err       error
	published []string
}

func (p *fakePublisher) Publish(ctx context.Context, d *store.Draft) (map[string]any, bool, error) {
	if d.DraftType != "github_issue" {
		return nil, false, nil
	}
	p.published = append(p.published, d.ID)
	if p.err != nil {
		return nil, true, p.err
	}
	return map[string]any{"number": 42}, true, nil
}

type recordingNotifier struct {
	notes []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note notify.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

type harness struct {
	store *store.Store
	sched *fakeScheduler
	pub   *fakePublisher
	notes *recordingNotifier
	rec   *bus.Recorder
	svc   *Service
	cell  *store.Cell
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "approval.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	cell, err := s.CreateCell(context.Background(), "u1", "Repo work", "")
	if err != nil {
		t.Fatalf("create cell: %v", err)
	}
	h := &harness{store: s, sched: &fakeScheduler{}, pub: &fakePublisher{}, notes: &recordingNotifier{}, rec: &bus.Recorder{}, cell: cell}
	h.svc = NewService(Deps{Store: s, Scheduler: h.sched, Publisher: h.pub, Notifier: h.notes, Broadcaster: h.rec})
	return h
}

// draftTask stages a draft plus the human task that gates it.
func (h *harness) draftTask(t *testing.T) (*store.Task, *store.Draft) {
	t.Helper()
	ctx := context.Background()
	d, err := h.store.CreateDraft(ctx, "u1", h.cell.ID, "github_issue", map[string]any{"title": "Bug"})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	task, err := h.svc.Create(ctx, &store.Task{
		UserID: "u1", CellID: h.cell.ID, Title: "Open issue", Executor: store.ExecutorHuman,
		ActionContext: map[string]any{"draftId": d.ID}, WhyHuman: "Visible to others",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task, d
}

func TestCreateHumanTaskAwaitsUser(t *testing.T) {
	h := newHarness(t)
	task, _ := h.draftTask(t)
	if task.Status != store.TaskAwaitingUserAction {
		t.Fatalf("status = %s", task.Status)
	}
	if len(h.sched.scheduled) != 0 {
		t.Fatalf("task without trigger must not be scheduled: %v", h.sched.scheduled)
	}
	if len(h.rec.OfType(bus.EventTaskUpdate)) != 1 {
		t.Fatal("expected a task_update broadcast")
	}
}

func TestApproveConfirmsDraftAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, d := h.draftTask(t)

	got, err := h.svc.Approve(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	draft, err := h.store.GetDraft(ctx, d.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if draft.Status != store.DraftConfirmed {
		t.Fatalf("draft status = %s", draft.Status)
	}
	if len(h.pub.published) != 1 || h.pub.published[0] != d.ID {
		t.Fatalf("published = %v", h.pub.published)
	}
	if len(h.rec.OfType(bus.EventTaskApproved)) != 1 {
		t.Fatal("expected one task_approved broadcast")
	}

	if _, err := h.svc.Approve(ctx, "u1", task.ID); !errors.Is(err, ErrNotAwaiting) {
		t.Fatalf("second approve: got %v, want ErrNotAwaiting", err)
	}
	if len(h.pub.published) != 1 {
		t.Fatal("draft must not be published twice")
	}
}

func TestApprovePublishFailureNotifies(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("github: 502")
	task, _ := h.draftTask(t)

	got, err := h.svc.Approve(context.Background(), "u1", task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(h.notes.notes) != 1 || h.notes.notes[0].Type != notify.TypeError {
		t.Fatalf("notifications = %+v", h.notes.notes)
	}
	if body := h.notes.notes[0].Body; strings.Contains(body, "502") || body != publishFailedBody {
		t.Fatalf("notification body leaks the error: %q", body)
	}
	runs, err := h.store.SearchAgentRuns(context.Background(), store.AgentRunFilter{UserID: "u1", Action: store.ActionError})
	if err != nil {
		t.Fatalf("list agent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Details["error"] != "github: 502" {
		t.Fatalf("error run = %+v", runs)
	}
}

func TestApproveCronTaskReturnsToPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.store.CreateDraft(ctx, "u1", h.cell.ID, "github_issue", map[string]any{"title": "Weekly report"})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	task, err := h.svc.Create(ctx, &store.Task{
		UserID: "u1", CellID: h.cell.ID, Title: "File weekly report", Executor: store.ExecutorHuman,
		TriggerType: store.TriggerCron, TriggerConfig: store.TriggerConfig{Expression: "0 9 * * 1"},
		ActionContext: map[string]any{"draftId": d.ID},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := h.svc.Approve(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if slices.Contains(h.sched.cancelled, task.ID) {
		t.Fatalf("cron schedule was cancelled: %v", h.sched.cancelled)
	}
	draft, _ := h.store.GetDraft(ctx, d.ID)
	if draft.Status != store.DraftConfirmed {
		t.Fatalf("draft status = %s", draft.Status)
	}
	if _, err := h.svc.Approve(ctx, "u1", task.ID); !errors.Is(err, ErrNotAwaiting) {
		t.Fatalf("approve pending cron task: got %v, want ErrNotAwaiting", err)
	}
}

func TestApproveOneShotCancelsSchedule(t *testing.T) {
	h := newHarness(t)
	task, _ := h.draftTask(t)
	if _, err := h.svc.Approve(context.Background(), "u1", task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !slices.Contains(h.sched.cancelled, task.ID) {
		t.Fatalf("cancelled = %v", h.sched.cancelled)
	}
}

func TestApproveOtherUsersTask(t *testing.T) {
	h := newHarness(t)
	task, _ := h.draftTask(t)
	if _, err := h.svc.Approve(context.Background(), "intruder", task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRejectCancelsDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, d := h.draftTask(t)

	got, err := h.svc.Reject(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != store.TaskSkipped {
		t.Fatalf("status = %s", got.Status)
	}
	draft, _ := h.store.GetDraft(ctx, d.ID)
	if draft.Status != store.DraftCancelled {
		t.Fatalf("draft status = %s", draft.Status)
	}
	if len(h.sched.cancelled) != 1 {
		t.Fatalf("cancelled = %v", h.sched.cancelled)
	}
	if len(h.rec.OfType(bus.EventTaskRejected)) != 1 {
		t.Fatal("expected task_rejected broadcast")
	}
	if len(h.pub.published) != 0 {
		t.Fatal("rejected draft must not be published")
	}
	if _, err := h.svc.Reject(ctx, "u1", task.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("reject skipped task: got %v", err)
	}
}

func TestPauseResumeReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.svc.Create(ctx, &store.Task{
		UserID: "u1", CellID: h.cell.ID, Title: "Daily digest",
		TriggerType: store.TriggerCron, TriggerConfig: store.TriggerConfig{Expression: "0 9 * * *"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(h.sched.scheduled) != 1 {
		t.Fatalf("scheduled = %v", h.sched.scheduled)
	}

	paused, err := h.svc.Pause(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != store.TaskPaused {
		t.Fatalf("status = %s", paused.Status)
	}
	if _, err := h.svc.Pause(ctx, "u1", task.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double pause: got %v", err)
	}

	resumed, err := h.svc.Resume(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != store.TaskPending {
		t.Fatalf("status = %s", resumed.Status)
	}
	if len(h.sched.scheduled) != 2 {
		t.Fatalf("resume must reschedule: %v", h.sched.scheduled)
	}
	if _, err := h.svc.Resume(ctx, "u1", task.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("resume pending task: got %v", err)
	}
}

func TestSkipPausedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.svc.Create(ctx, &store.Task{UserID: "u1", CellID: h.cell.ID, Title: "Later"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Pause(ctx, "u1", task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := h.svc.Skip(ctx, "u1", task.ID)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got.Status != store.TaskSkipped {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRunAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.svc.Create(ctx, &store.Task{UserID: "u1", CellID: h.cell.ID, Title: "Now"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.svc.Run(ctx, "u1", task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.sched.ran) != 1 {
		t.Fatalf("ran = %v", h.sched.ran)
	}
	if err := h.svc.Delete(ctx, "u1", task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.store.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted task still readable: %v", err)
	}
}
