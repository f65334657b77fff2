package scheduler

import "github.com/cellagent/cellagent/internal/store"

// Outcomes fed to NextStatus.
const (
	OutcomeFired         = "fired"
	OutcomeSucceeded     = "succeeded"
	OutcomeFailed        = "failed"
	OutcomeAwaitingHuman = "awaiting_human"
	OutcomeSkipped       = "skipped"
	OutcomeApproved      = "approved"
)

// IsTerminal reports whether a task status ends a one-shot task's life.
func IsTerminal(status string) bool {
	switch status {
	case store.TaskCompleted, store.TaskFailed, store.TaskSkipped:
		return true
	}
	return false
}

// inactive reports whether a task must not run at all.
func inactive(status, trigger string) bool {
	if status == store.TaskPaused {
		return true
	}
	if trigger == store.TriggerCron {
		return status == store.TaskSkipped
	}
	return IsTerminal(status)
}

// NextStatus is the task state machine. It returns the status a task moves
// to when outcome happens in status current, and whether the outcome is
// allowed at all. A returned status equal to current means "accepted, no
// change". Cron tasks never reach completed or failed: their runs are
// recorded on task runs only, so the task keeps firing until paused. An
// approved cron task goes back to pending and waits for its next fire.
func NextStatus(current, trigger, outcome string) (string, bool) {
	recurring := trigger == store.TriggerCron

	switch outcome {
	case OutcomeFired:
		if inactive(current, trigger) {
			return current, false
		}
		if recurring {
			return current, true
		}
		return store.TaskInProgress, true

	case OutcomeSucceeded, OutcomeFailed:
		if recurring {
			return current, !inactive(current, trigger)
		}
		if current != store.TaskInProgress {
			return current, false
		}
		if outcome == OutcomeSucceeded {
			return store.TaskCompleted, true
		}
		return store.TaskFailed, true

	case OutcomeAwaitingHuman:
		if inactive(current, trigger) {
			return current, false
		}
		return store.TaskAwaitingUserAction, true

	case OutcomeSkipped:
		if current == store.TaskSkipped || (!recurring && IsTerminal(current)) {
			return current, false
		}
		return store.TaskSkipped, true

	case OutcomeApproved:
		if current != store.TaskAwaitingUserAction {
			return current, false
		}
		if recurring {
			return store.TaskPending, true
		}
		return store.TaskCompleted, true
	}
	return current, false
}
