// Package approval owns the human side of the task lifecycle: approving and
// rejecting drafts, pausing, skipping and resuming tasks.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/scheduler"
	"github.com/cellagent/cellagent/internal/store"
)

var (
	// ErrNotAwaiting is returned when approving a task that is not awaiting user action.
	ErrNotAwaiting = errors.New("task is not awaiting approval")
	// ErrInvalidStatus is returned when a task cannot move to the requested status.
	ErrInvalidStatus = errors.New("task status does not allow this change")
)

// publishFailedBody is shown to the user. The error itself stays on the
// agent run log.
const publishFailedBody = "The approved action could not be published."

var (
	openStatuses = []string{store.TaskPending, store.TaskInProgress, store.TaskAwaitingUserAction}
	skippable    = append(slices.Clone(openStatuses), store.TaskPaused)
)

// Store is the persistence surface of the service.
type Store interface {
	CreateTask(ctx context.Context, t *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error)
	DeleteTask(ctx context.Context, id string) error
	GetDraft(ctx context.Context, id string) (*store.Draft, error)
	ApproveTask(ctx context.Context, taskID, draftID, to string) (bool, error)
	RejectTask(ctx context.Context, taskID, draftID string, from []string, to string) (bool, error)
	TransitionTask(ctx context.Context, id string, from []string, to string) (bool, error)
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
}

// Scheduler registers and removes task triggers.
type Scheduler interface {
	ScheduleTask(ctx context.Context, taskID string) error
	CancelScheduledTask(ctx context.Context, taskID string) error
	RunNow(ctx context.Context, taskID string) error
}

// Publisher carries out a confirmed draft. handled is false when no skill
// owns the draft type.
type Publisher interface {
	Publish(ctx context.Context, d *store.Draft) (result map[string]any, handled bool, err error)
}

// Notifier delivers a notification under the user's policy.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Deps wires the service. Publisher, Notifier and Broadcaster may be nil.
type Deps struct {
	Store       Store
	Scheduler   Scheduler
	Publisher   Publisher
	Notifier    Notifier
	Broadcaster bus.Broadcaster
}

// Service applies user decisions to tasks.
type Service struct {
	deps Deps
}

// NewService creates a Service.
func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

// task loads a task owned by userID. Tasks of other users read as missing.
func (s *Service) task(ctx context.Context, userID, taskID string) (*store.Task, error) {
	t, err := s.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if userID != "" && t.UserID != userID {
		return nil, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return t, nil
}

// Create stores a task and registers its trigger. Human tasks start in
// awaiting_user_action.
func (s *Service) Create(ctx context.Context, t *store.Task) (*store.Task, error) {
	if t.Executor == store.ExecutorHuman && t.Status == "" {
		t.Status = store.TaskAwaitingUserAction
	}
	if err := s.deps.Store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if t.TriggerType != store.TriggerNone && t.TriggerType != store.TriggerEvent {
		if err := s.deps.Scheduler.ScheduleTask(ctx, t.ID); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
	}
	_ = s.deps.Store.LogAgentRun(ctx, &store.AgentRun{
		UserID: t.UserID, CellID: t.CellID, Action: store.ActionTaskCreated,
		Details: map[string]any{"taskId": t.ID, "title": t.Title, "executor": t.Executor},
	})
	s.broadcast(t.UserID, bus.EventTaskUpdate, t)
	return t, nil
}

// List returns the user's tasks, optionally for one cell.
func (s *Service) List(ctx context.Context, userID, cellID string) ([]store.Task, error) {
	return s.deps.Store.ListTasks(ctx, store.TaskFilter{UserID: userID, CellID: cellID, Limit: 50})
}

// Get returns one task of the user.
func (s *Service) Get(ctx context.Context, userID, taskID string) (*store.Task, error) {
	return s.task(ctx, userID, taskID)
}

// Approve confirms the task's draft and moves the task on in one step, then
// publishes the draft. One-shot tasks complete and lose their schedule. Cron
// tasks return to pending and keep firing. A publish failure leaves the task
// where approval put it and notifies the user.
func (s *Service) Approve(ctx context.Context, userID, taskID string) (*store.Task, error) {
	t, err := s.task(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	next, allowed := scheduler.NextStatus(t.Status, t.TriggerType, scheduler.OutcomeApproved)
	if !allowed {
		return nil, fmt.Errorf("approve %s (%s): %w", taskID, t.Status, ErrNotAwaiting)
	}
	draftID := t.DraftID()
	ok, err := s.deps.Store.ApproveTask(ctx, t.ID, draftID, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("approve %s: %w", taskID, ErrNotAwaiting)
	}
	if !t.Recurring() {
		if err := s.deps.Scheduler.CancelScheduledTask(ctx, t.ID); err != nil {
			slog.Warn("Approved task schedule not cancelled", "task_id", t.ID, "error", err)
		}
	}

	batch := uuid.NewString()
	if draftID != "" {
		s.publish(ctx, t, draftID, batch)
	}
	action := store.ActionTaskCompleted
	if next != store.TaskCompleted {
		action = store.ActionToolExecution
	}
	_ = s.deps.Store.LogAgentRun(ctx, &store.AgentRun{
		UserID: t.UserID, CellID: t.CellID, Action: action, BatchID: batch,
		Details: map[string]any{"taskId": t.ID, "title": t.Title, "approved": true, "status": next},
	})

	updated, err := s.deps.Store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.broadcast(t.UserID, bus.EventTaskApproved, updated)
	slog.Info("Task approved", "task_id", t.ID, "draft_id", draftID, "status", next)
	return updated, nil
}

func (s *Service) publish(ctx context.Context, t *store.Task, draftID, batch string) {
	if s.deps.Publisher == nil {
		return
	}
	d, err := s.deps.Store.GetDraft(ctx, draftID)
	if err != nil {
		slog.Warn("Approved draft not loaded", "draft_id", draftID, "error", err)
		return
	}
	result, handled, err := s.deps.Publisher.Publish(ctx, d)
	if !handled {
		return
	}
	if err != nil {
		slog.Error("Draft publish failed", "draft_id", d.ID, "type", d.DraftType, "error", err)
		_ = s.deps.Store.LogAgentRun(ctx, &store.AgentRun{
			UserID: t.UserID, CellID: t.CellID, Action: store.ActionError, BatchID: batch,
			Details: map[string]any{"taskId": t.ID, "draftId": d.ID, "error": err.Error()},
		})
		if s.deps.Notifier != nil {
			_ = s.deps.Notifier.Notify(ctx, notify.Notification{
				UserID: t.UserID,
				Type:   notify.TypeError,
				Title:  "Could not publish: " + t.Title,
				Body:   publishFailedBody,
				CellID: t.CellID,
				TaskID: t.ID,
			})
		}
		return
	}
	_ = s.deps.Store.LogAgentRun(ctx, &store.AgentRun{
		UserID: t.UserID, CellID: t.CellID, Action: store.ActionToolExecution, BatchID: batch,
		Details: map[string]any{"taskId": t.ID, "draftId": d.ID, "draftType": d.DraftType, "result": result},
	})
}

// Reject cancels the draft, skips the task and drops its schedule.
func (s *Service) Reject(ctx context.Context, userID, taskID string) (*store.Task, error) {
	t, err := s.close(ctx, userID, taskID, skippable, store.TaskSkipped)
	if err != nil {
		return nil, err
	}
	s.broadcast(t.UserID, bus.EventTaskRejected, t)
	slog.Info("Task rejected", "task_id", t.ID)
	return t, nil
}

// Skip moves an open or paused task to skipped.
func (s *Service) Skip(ctx context.Context, userID, taskID string) (*store.Task, error) {
	t, err := s.close(ctx, userID, taskID, skippable, store.TaskSkipped)
	if err != nil {
		return nil, err
	}
	s.broadcast(t.UserID, bus.EventTaskUpdate, t)
	return t, nil
}

// Pause suspends an open task until Resume.
func (s *Service) Pause(ctx context.Context, userID, taskID string) (*store.Task, error) {
	t, err := s.close(ctx, userID, taskID, openStatuses, store.TaskPaused)
	if err != nil {
		return nil, err
	}
	s.broadcast(t.UserID, bus.EventTaskUpdate, t)
	return t, nil
}

// close cancels the schedule, then cancels the draft and moves the task from
// one of from to to.
func (s *Service) close(ctx context.Context, userID, taskID string, from []string, to string) (*store.Task, error) {
	t, err := s.task(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from, t.Status) {
		return nil, fmt.Errorf("%s -> %s: %w", t.Status, to, ErrInvalidStatus)
	}
	if err := s.deps.Scheduler.CancelScheduledTask(ctx, t.ID); err != nil {
		return nil, err
	}
	ok, err := s.deps.Store.RejectTask(ctx, t.ID, t.DraftID(), from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s -> %s: %w", t.Status, to, ErrInvalidStatus)
	}
	return s.deps.Store.GetTask(ctx, t.ID)
}

// Resume returns a paused task to pending and registers its trigger again.
func (s *Service) Resume(ctx context.Context, userID, taskID string) (*store.Task, error) {
	t, err := s.task(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskPaused {
		return nil, fmt.Errorf("resume %s (%s): %w", taskID, t.Status, ErrInvalidStatus)
	}
	// Pausing cancelled the draft, so resuming only reopens the task.
	ok, err := s.deps.Store.TransitionTask(ctx, t.ID, []string{store.TaskPaused}, store.TaskPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("resume %s: %w", taskID, ErrInvalidStatus)
	}
	if t.TriggerType != store.TriggerNone && t.TriggerType != store.TriggerEvent {
		if err := s.deps.Scheduler.ScheduleTask(ctx, t.ID); err != nil {
			return nil, fmt.Errorf("resume %s: %w", taskID, err)
		}
	}
	updated, err := s.deps.Store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.broadcast(t.UserID, bus.EventTaskUpdate, updated)
	return updated, nil
}

// Run queues the task for immediate execution.
func (s *Service) Run(ctx context.Context, userID, taskID string) error {
	t, err := s.task(ctx, userID, taskID)
	if err != nil {
		return err
	}
	return s.deps.Scheduler.RunNow(ctx, t.ID)
}

// Delete drops the task's schedule and removes it.
func (s *Service) Delete(ctx context.Context, userID, taskID string) error {
	t, err := s.task(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if err := s.deps.Scheduler.CancelScheduledTask(ctx, t.ID); err != nil {
		return err
	}
	return s.deps.Store.DeleteTask(ctx, t.ID)
}

func (s *Service) broadcast(userID, typ string, payload any) {
	if s.deps.Broadcaster == nil {
		return
	}
	s.deps.Broadcaster.Broadcast(userID, bus.Event{Type: typ, Payload: payload})
}
