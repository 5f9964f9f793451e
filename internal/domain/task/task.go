// Package task defines the phase-partitioned Task entity and its state machine.
package task

import (
	"time"

	"swarmgate/internal/domain/phase"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if the task is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Active reports whether the task is currently held by a terminal.
func (s Status) Active() bool {
	return s == StatusClaimed || s == StatusInProgress
}

// Task is a unit of work created by the planner and claimed by exactly one
// terminal. Tasks are never deleted, only transitioned.
type Task struct {
	ID          string      `json:"id"`
	Phase       phase.Phase `json:"phase"`
	Description string      `json:"description"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	Assignee    string      `json:"assignee,omitempty"`
	Status      Status      `json:"status"`
	Result      string      `json:"result,omitempty"`
	FailReason  string      `json:"fail_reason,omitempty"`
	Attempts    int         `json:"attempts"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CanTransition reports whether moving to the given status is a legal
// state machine step.
func (t *Task) CanTransition(to Status) bool {
	switch to {
	case StatusClaimed:
		return t.Status == StatusPending
	case StatusInProgress:
		return t.Status == StatusClaimed
	case StatusDone, StatusFailed:
		return t.Status.Active()
	case StatusPending:
		// Reclaim path: a held task reverts to pending when its terminal
		// is terminated or stalled past the reclaim window.
		return t.Status.Active()
	}
	return false
}

// DoneSet returns the set of task IDs in state done.
func DoneSet(tasks []Task) map[string]bool {
	done := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].Status == StatusDone {
			done[tasks[i].ID] = true
		}
	}
	return done
}

// Claimable returns the IDs of pending tasks in the given phase whose
// dependencies are all done, in creation order.
func Claimable(tasks []Task, p phase.Phase) []string {
	done := DoneSet(tasks)

	var ready []string
	for i := range tasks {
		t := &tasks[i]
		if t.Phase != p || t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.ID)
		}
	}
	return ready
}

// Unresolved returns the tasks in the given phase that are still pending
// or held. Any such task blocks phase advance.
func Unresolved(tasks []Task, p phase.Phase) []Task {
	var out []Task
	for i := range tasks {
		if tasks[i].Phase == p && !tasks[i].Status.IsTerminal() {
			out = append(out, tasks[i])
		}
	}
	return out
}

// Failed returns the failed tasks in the given phase. Failed tasks never
// unblock dependents; they require planner or operator intervention.
func Failed(tasks []Task, p phase.Phase) []Task {
	var out []Task
	for i := range tasks {
		if tasks[i].Phase == p && tasks[i].Status == StatusFailed {
			out = append(out, tasks[i])
		}
	}
	return out
}
