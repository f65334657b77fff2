package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/heartbeat"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/store"
)

// ErrNoTrigger is returned when scheduling a task that has no trigger.
var ErrNoTrigger = errors.New("task has no trigger")

// Job key prefixes.
const (
	prefixTask      = "task-"
	prefixManual    = "manual-"
	prefixCron      = "cron-"
	prefixHeartbeat = "heartbeat-"
)

// Config holds scheduler settings.
type Config struct {
	Enabled              bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval         time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	TaskConcurrency      int           `json:"taskConcurrency" envconfig:"TASK_CONCURRENCY"`
	HeartbeatConcurrency int           `json:"heartbeatConcurrency" envconfig:"HEARTBEAT_CONCURRENCY"`
	LockPath             string        `json:"lockPath" envconfig:"LOCK_PATH"`
	BatchSize            int           `json:"batchSize"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:              true,
		TickInterval:         5 * time.Second,
		TaskConcurrency:      3,
		HeartbeatConcurrency: 1,
		LockPath:             filepath.Join(home, ".cellagent", "scheduler.lock"),
		BatchSize:            50,
	}
}

// Store is the persistence surface of the scheduler.
type Store interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	TransitionTask(ctx context.Context, id string, from []string, to string) (bool, error)
	ListTasksByTrigger(ctx context.Context, trigger, status string) ([]store.Task, error)
	CreateTaskRun(ctx context.Context, taskID string) (*store.TaskRun, error)
	FinishTaskRun(ctx context.Context, runID, status string, result map[string]any) error
	LogAgentRun(ctx context.Context, r *store.AgentRun) error
	UpsertJob(ctx context.Context, key, taskID string, runAt time.Time) error
	DeleteJob(ctx context.Context, key string) error
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]store.Job, error)
	ListJobs(ctx context.Context) ([]store.Job, error)
	CellsWithLayer(ctx context.Context, layer string) ([]store.Cell, error)
	GetLayer(ctx context.Context, cellID, layer string) (string, error)
}

// Conductor executes AI tasks.
type Conductor interface {
	Run(ctx context.Context, sig agent.Signal) (*agent.Result, error)
}

// HeartbeatRunner executes one heartbeat rule.
type HeartbeatRunner interface {
	RunRule(ctx context.Context, cellID, userID, ruleID string) error
}

// Notifier delivers user notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Deps are the collaborators of a Scheduler. Heartbeats, Notifier and
// Broadcaster may be nil.
type Deps struct {
	Store       Store
	Conductor   Conductor
	Heartbeats  HeartbeatRunner
	Notifier    Notifier
	Broadcaster bus.Broadcaster
}

// Scheduler fires tasks from the durable one-shot queue and from in-process
// cron entries, and runs them on bounded worker pools.
type Scheduler struct {
	cfg  Config
	deps Deps
	cron *cron.Cron
	lock *FileLock

	taskPool      *workerPool
	heartbeatPool *workerPool

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context

	wake chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.TaskConcurrency <= 0 {
		cfg.TaskConcurrency = def.TaskConcurrency
	}
	if cfg.HeartbeatConcurrency <= 0 {
		cfg.HeartbeatConcurrency = def.HeartbeatConcurrency
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	return &Scheduler{
		cfg:           cfg,
		deps:          deps,
		cron:          cron.New(cron.WithParser(cronParser)),
		lock:          NewFileLock(cfg.LockPath),
		taskPool:      newWorkerPool(cfg.TaskConcurrency),
		heartbeatPool: newWorkerPool(cfg.HeartbeatConcurrency),
		entries:       make(map[string]cron.EntryID),
		ctx:           context.Background(),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
}

// ScheduleTask registers the task's trigger.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID string) error {
	task, err := s.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}

	switch task.TriggerType {
	case store.TriggerDelay:
		if task.TriggerConfig.Delay == nil {
			return fmt.Errorf("schedule task %s: delay trigger without delay", taskID)
		}
		runAt := s.now().Add(task.TriggerConfig.Delay.Duration())
		if err := s.deps.Store.UpsertJob(ctx, prefixTask+taskID, taskID, runAt); err != nil {
			return fmt.Errorf("schedule task: %w", err)
		}
		slog.Info("Scheduler task delayed", "task_id", taskID, "run_at", runAt)
		s.signal()
		return nil

	case store.TriggerCron:
		return s.scheduleCron(task)

	case store.TriggerEvent:
		slog.Debug("Scheduler event task needs no registration", "task_id", taskID)
		return nil
	}
	return fmt.Errorf("schedule task %s: %w", taskID, ErrNoTrigger)
}

func (s *Scheduler) scheduleCron(task *store.Task) error {
	expr, tz := task.TriggerConfig.Expression, task.TriggerConfig.Timezone
	if _, err := ParseCron(expr, tz); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.ID, err)
	}
	id := task.ID
	if err := s.addCron(prefixCron+id, CronSpec(expr, tz), func(ctx context.Context) {
		s.dispatchTask(ctx, id, "")
	}); err != nil {
		return fmt.Errorf("schedule task %s: %w", id, err)
	}
	slog.Info("Scheduler cron task registered", "task_id", id, "expression", expr, "timezone", tz)
	return nil
}

// addCron adds or replaces the entry under key.
func (s *Scheduler) addCron(key, spec string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.cron.Remove(old)
		delete(s.entries, key)
	}
	id, err := s.cron.AddFunc(spec, func() { fn(s.baseContext()) })
	if err != nil {
		return fmt.Errorf("add cron entry %s: %w", key, err)
	}
	s.entries[key] = id
	return nil
}

func (s *Scheduler) removeCron(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[key]
	if ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
	return ok
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// CancelScheduledTask removes every queued job and cron entry of the task.
// Missing entries are not an error.
func (s *Scheduler) CancelScheduledTask(ctx context.Context, taskID string) error {
	var errs []error
	for _, key := range []string{prefixTask + taskID, prefixManual + taskID} {
		if err := s.deps.Store.DeleteJob(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	removed := s.removeCron(prefixCron + taskID)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	slog.Info("Scheduler task cancelled", "task_id", taskID, "cron_removed", removed)
	return nil
}

// RunNow queues the task for immediate execution.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	if _, err := s.deps.Store.GetTask(ctx, taskID); err != nil {
		return fmt.Errorf("run task now: %w", err)
	}
	if err := s.deps.Store.UpsertJob(ctx, prefixManual+taskID, taskID, s.now()); err != nil {
		return fmt.Errorf("run task now: %w", err)
	}
	s.signal()
	return nil
}

// Entries returns the keys of the registered cron entries.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// NextRun returns the next fire time of a cron entry key.
func (s *Scheduler) NextRun(key string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if !entry.Next.IsZero() {
		return entry.Next, true
	}
	return entry.Schedule.Next(s.now()), true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts cron entries and the queue loop. Blocks until ctx is cancelled,
// then waits for in-flight work.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "entries", len(s.Entries()),
		"task_concurrency", s.cfg.TaskConcurrency, "heartbeat_concurrency", s.cfg.HeartbeatConcurrency)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			<-s.cron.Stop().Done()
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick claims due jobs under the global file lock and dispatches them.
func (s *Scheduler) tick(ctx context.Context) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	jobs, err := s.deps.Store.ClaimDueJobs(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		slog.Warn("Scheduler could not claim jobs", "error", err)
		return
	}
	for _, job := range jobs {
		slog.Info("Scheduler job due", "job", job.Key, "task_id", job.TaskID)
		s.dispatchTask(ctx, job.TaskID, job.Key)
	}
}

// dispatchTask runs the task on the task pool. A claimed job whose slot wait
// is cut short by shutdown goes back into the queue under requeueKey.
func (s *Scheduler) dispatchTask(ctx context.Context, taskID, requeueKey string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.taskPool.Acquire(ctx); err != nil {
			if requeueKey != "" {
				if err := s.deps.Store.UpsertJob(context.WithoutCancel(ctx), requeueKey, taskID, s.now()); err != nil {
					slog.Error("Scheduler could not requeue job", "job", requeueKey, "error", err)
				}
			}
			return
		}
		defer s.taskPool.Release()
		defer recoverWorker("task", taskID)

		if err := s.ProcessTask(context.WithoutCancel(ctx), taskID); err != nil {
			slog.Error("Scheduler task job failed", "task_id", taskID, "error", err)
		}
	}()
}

func (s *Scheduler) dispatchHeartbeat(ctx context.Context, cellID, userID, ruleID string) {
	if s.deps.Heartbeats == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.heartbeatPool.TryAcquire() {
			slog.Warn("Scheduler heartbeat skipped: concurrency limit", "cell_id", cellID, "rule", ruleID)
			return
		}
		defer s.heartbeatPool.Release()
		defer recoverWorker("heartbeat", cellID+"/"+ruleID)

		if err := s.deps.Heartbeats.RunRule(context.WithoutCancel(ctx), cellID, userID, ruleID); err != nil {
			slog.Error("Scheduler heartbeat job failed", "cell_id", cellID, "rule", ruleID, "error", err)
		}
	}()
}

func recoverWorker(kind, id string) {
	if r := recover(); r != nil {
		slog.Error("Scheduler worker panic", "kind", kind, "id", id, "panic", r)
	}
}

// ProcessTask executes one firing of a task. It is a no-op for tasks that
// are missing, paused or already finished.
func (s *Scheduler) ProcessTask(ctx context.Context, taskID string) error {
	task, err := s.deps.Store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Scheduler task not found", "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("process task: %w", err)
	}

	next, ok := NextStatus(task.Status, task.TriggerType, OutcomeFired)
	if !ok {
		slog.Info("Scheduler task not runnable, skipping", "task_id", taskID, "status", task.Status, "trigger", task.TriggerType)
		return nil
	}

	run, err := s.deps.Store.CreateTaskRun(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("process task: %w", err)
	}
	batch := uuid.NewString()
	s.logRun(ctx, task, batch, store.ActionScheduleTriggered, map[string]any{
		"taskId": task.ID, "title": task.Title, "triggerType": task.TriggerType, "runId": run.ID,
	})
	slog.Info("Scheduler task fired", "task_id", task.ID, "executor", task.Executor, "trigger", task.TriggerType)

	if next != task.Status {
		moved, err := s.deps.Store.TransitionTask(ctx, task.ID, []string{task.Status}, next)
		if err != nil || !moved {
			_ = s.deps.Store.FinishTaskRun(ctx, run.ID, store.RunFailed, map[string]any{"error": "task status changed before the run started"})
			if err != nil {
				return fmt.Errorf("process task: %w", err)
			}
			slog.Warn("Scheduler task changed concurrently, run abandoned", "task_id", task.ID)
			return nil
		}
		task.Status = next
	}

	if task.Executor == store.ExecutorHuman {
		return s.awaitHuman(ctx, task, run)
	}
	return s.execute(ctx, task, run, batch)
}

func (s *Scheduler) awaitHuman(ctx context.Context, task *store.Task, run *store.TaskRun) error {
	if next, ok := NextStatus(task.Status, task.TriggerType, OutcomeAwaitingHuman); ok && next != task.Status {
		moved, err := s.deps.Store.TransitionTask(ctx, task.ID, []string{task.Status}, next)
		if err != nil {
			return fmt.Errorf("await human: %w", err)
		}
		if moved {
			task.Status = next
			s.broadcastTask(task)
		}
	}
	if err := s.deps.Store.FinishTaskRun(ctx, run.ID, store.RunWaitingHuman, map[string]any{"whyHuman": task.WhyHuman}); err != nil {
		return fmt.Errorf("await human: %w", err)
	}
	slog.Info("Scheduler task awaiting user action", "task_id", task.ID)
	return nil
}

// taskFailedBody is what the user sees when a task fails. The error is kept on
// the task run and the error agent run.
const taskFailedBody = "The task could not be completed."

func (s *Scheduler) execute(ctx context.Context, task *store.Task, run *store.TaskRun, batch string) error {
	content := task.Action
	if strings.TrimSpace(content) == "" {
		content = "Execute task: " + task.Title
	}

	res, runErr := s.deps.Conductor.Run(ctx, agent.Signal{
		Kind:           agent.SignalTimer,
		UserID:         task.UserID,
		CellID:         task.CellID,
		ConversationID: task.ConversationID,
		Content:        content,
		Metadata:       map[string]any{"taskId": task.ID},
	})

	if runErr != nil {
		slog.Error("Scheduler task failed", "task_id", task.ID, "error", runErr)
		_ = s.deps.Store.FinishTaskRun(ctx, run.ID, store.RunFailed, map[string]any{"error": runErr.Error()})
		s.finish(ctx, task, OutcomeFailed)
		if !task.Recurring() && s.deps.Notifier != nil {
			_ = s.deps.Notifier.Notify(ctx, notify.Notification{
				UserID: task.UserID,
				Type:   notify.TypeError,
				Title:  "Task failed: " + task.Title,
				Body:   taskFailedBody,
				CellID: task.CellID,
				TaskID: task.ID,
			})
		}
		s.logRun(ctx, task, batch, store.ActionError, map[string]any{"taskId": task.ID, "error": runErr.Error()})
		return nil
	}

	if err := s.deps.Store.FinishTaskRun(ctx, run.ID, store.RunCompleted, map[string]any{
		"response":  res.Response,
		"toolsUsed": res.ToolsUsed,
	}); err != nil {
		slog.Warn("Scheduler could not close task run", "run_id", run.ID, "error", err)
	}
	s.finish(ctx, task, OutcomeSucceeded)
	s.logRun(ctx, task, batch, store.ActionTaskCompleted, map[string]any{"taskId": task.ID, "title": task.Title})
	slog.Info("Scheduler task completed", "task_id", task.ID, "tools", len(res.ToolsUsed))
	return nil
}

// finish applies a run outcome to the task. Recurring tasks keep their status.
func (s *Scheduler) finish(ctx context.Context, task *store.Task, outcome string) {
	next, ok := NextStatus(task.Status, task.TriggerType, outcome)
	if !ok || next == task.Status {
		return
	}
	moved, err := s.deps.Store.TransitionTask(ctx, task.ID, []string{task.Status}, next)
	if err != nil {
		slog.Warn("Scheduler task transition failed", "task_id", task.ID, "to", next, "error", err)
		return
	}
	if !moved {
		slog.Info("Scheduler task changed during run, keeping its status", "task_id", task.ID)
		return
	}
	task.Status = next
	s.broadcastTask(task)
}

func (s *Scheduler) broadcastTask(task *store.Task) {
	if s.deps.Broadcaster == nil {
		return
	}
	s.deps.Broadcaster.Broadcast(task.UserID, bus.Event{Type: bus.EventTaskUpdate, Payload: task})
}

func (s *Scheduler) logRun(ctx context.Context, task *store.Task, batch, action string, details map[string]any) {
	_ = s.deps.Store.LogAgentRun(ctx, &store.AgentRun{
		UserID:  task.UserID,
		CellID:  task.CellID,
		Action:  action,
		Details: details,
		BatchID: batch,
	})
}

// RestoreScheduledTasks re-registers triggers after a restart: cron entries
// for live cron tasks, queue jobs for pending delay tasks whose job is gone,
// and heartbeat entries.
func (s *Scheduler) RestoreScheduledTasks(ctx context.Context) error {
	var cronCount, delayCount int
	for _, status := range []string{store.TaskPending, store.TaskInProgress, store.TaskAwaitingUserAction} {
		tasks, err := s.deps.Store.ListTasksByTrigger(ctx, store.TriggerCron, status)
		if err != nil {
			return fmt.Errorf("restore cron tasks: %w", err)
		}
		for i := range tasks {
			if err := s.scheduleCron(&tasks[i]); err != nil {
				slog.Warn("Scheduler could not restore cron task", "task_id", tasks[i].ID, "error", err)
				continue
			}
			cronCount++
		}
	}

	jobs, err := s.deps.Store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore delayed tasks: %w", err)
	}
	queued := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		queued[j.Key] = true
	}
	delayed, err := s.deps.Store.ListTasksByTrigger(ctx, store.TriggerDelay, store.TaskPending)
	if err != nil {
		return fmt.Errorf("restore delayed tasks: %w", err)
	}
	now := s.now()
	for _, t := range delayed {
		if queued[prefixTask+t.ID] || t.TriggerConfig.Delay == nil {
			continue
		}
		runAt := t.CreatedAt.Add(t.TriggerConfig.Delay.Duration())
		if runAt.Before(now) {
			runAt = now
		}
		if err := s.deps.Store.UpsertJob(ctx, prefixTask+t.ID, t.ID, runAt); err != nil {
			slog.Warn("Scheduler could not restore delayed task", "task_id", t.ID, "error", err)
			continue
		}
		delayCount++
	}

	if err := s.SyncHeartbeats(ctx); err != nil {
		slog.Warn("Scheduler heartbeat sync failed", "error", err)
	}
	slog.Info("Scheduler restored tasks", "cron", cronCount, "delayed", delayCount)
	return nil
}

// SyncHeartbeats registers a cron entry per enabled heartbeat rule of every
// active cell and drops entries whose rule is gone.
func (s *Scheduler) SyncHeartbeats(ctx context.Context) error {
	cells, err := s.deps.Store.CellsWithLayer(ctx, store.LayerHeartbeat)
	if err != nil {
		return fmt.Errorf("sync heartbeats: %w", err)
	}

	want := make(map[string]bool)
	for _, cell := range cells {
		cfg, err := heartbeat.LoadConfig(ctx, s.deps.Store, cell.ID)
		if err != nil {
			slog.Warn("Scheduler skipping invalid heartbeat config", "cell_id", cell.ID, "error", err)
			continue
		}
		for _, rule := range cfg.Rules {
			if !rule.IsEnabled() || rule.Cron == "" {
				continue
			}
			if _, err := ParseCron(rule.Cron, cfg.Timezone); err != nil {
				slog.Warn("Scheduler skipping heartbeat rule", "cell_id", cell.ID, "rule", rule.ID, "error", err)
				continue
			}
			key := prefixHeartbeat + cell.ID + "-" + rule.ID
			want[key] = true
			cellID, userID, ruleID := cell.ID, cell.UserID, rule.ID
			if err := s.addCron(key, CronSpec(rule.Cron, cfg.Timezone), func(ctx context.Context) {
				s.dispatchHeartbeat(ctx, cellID, userID, ruleID)
			}); err != nil {
				slog.Warn("Scheduler could not register heartbeat", "key", key, "error", err)
			}
		}
	}

	for _, key := range s.Entries() {
		if strings.HasPrefix(key, prefixHeartbeat) && !want[key] {
			s.removeCron(key)
		}
	}
	slog.Info("Scheduler heartbeats synced", "rules", len(want))
	return nil
}
