package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"swarmgate/internal/domain"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
)

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.root, taskDir, id+".json")
}

func (s *Store) readTask(id string) (*task.Task, error) {
	var t task.Task
	if err := readJSON(s.taskPath(id), &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("filestore: task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("filestore: read task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) writeTask(t *task.Task) error {
	if err := writeJSONAtomic(s.taskPath(t.ID), t); err != nil {
		return fmt.Errorf("filestore: write task %s: %w", t.ID, err)
	}
	return nil
}

// Seed writes the initial task set. Existing ids are left untouched so a
// restarted run does not reset in-flight work.
func (s *Store) Seed(_ context.Context, tasks []task.Task) error {
	lock, err := s.lock("tasks.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	now := s.now().UTC()
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return errors.New("filestore: seed: task id is required")
		}
		if _, err := os.Stat(s.taskPath(t.ID)); err == nil {
			continue
		}
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		t.Version = 1
		if err := s.writeTask(&t); err != nil {
			return err
		}
	}
	return nil
}

// Claim atomically assigns one pending task in phase p whose dependencies
// are all done to the given terminal, oldest first. Returns (nil, nil) when
// nothing qualifies. The surface-wide lock makes the claim single-winner
// even across processes.
func (s *Store) Claim(_ context.Context, terminalID string, p phase.Phase) (*task.Task, error) {
	lock, err := s.lock("tasks.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	all, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	eligible := task.Claimable(all, p)
	if len(eligible) == 0 {
		return nil, nil
	}

	t, err := s.readTask(eligible[0])
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	t.Status = task.StatusClaimed
	t.Assignee = terminalID
	t.Attempts++
	t.ClaimedAt = &now
	t.UpdatedAt = now
	t.Version++
	if err := s.writeTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Start moves a claimed task to in_progress. Only the claiming terminal may
// start it.
func (s *Store) Start(_ context.Context, taskID, terminalID string) error {
	return s.transition(taskID, terminalID, task.StatusInProgress, func(t *task.Task) {})
}

// Complete marks a task done and records its result artifact.
func (s *Store) Complete(_ context.Context, taskID, terminalID, result string) error {
	return s.transition(taskID, terminalID, task.StatusDone, func(t *task.Task) {
		t.Result = result
		t.ClaimedAt = nil
	})
}

// Fail marks a task failed with a reason.
func (s *Store) Fail(_ context.Context, taskID, terminalID, reason string) error {
	return s.transition(taskID, terminalID, task.StatusFailed, func(t *task.Task) {
		t.FailReason = reason
		t.ClaimedAt = nil
	})
}

// Release returns a held task to pending so another terminal can claim it.
// The assignee is cleared; the attempt count is kept.
func (s *Store) Release(_ context.Context, taskID string) error {
	lock, err := s.lock("tasks.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	t, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	if !t.CanTransition(task.StatusPending) {
		return fmt.Errorf("filestore: release task %s from %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = task.StatusPending
	t.Assignee = ""
	t.ClaimedAt = nil
	t.UpdatedAt = s.now().UTC()
	t.Version++
	return s.writeTask(t)
}

// List returns all tasks ordered by creation time then id.
func (s *Store) List(_ context.Context) ([]task.Task, error) {
	lock, err := s.lock("tasks.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()
	return s.listLocked()
}

func (s *Store) listLocked() ([]task.Task, error) {
	dir := filepath.Join(s.root, taskDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list tasks: %w", err)
	}
	out := make([]task.Task, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var t task.Task
		if err := readJSON(filepath.Join(dir, e.Name()), &t); err != nil {
			return nil, fmt.Errorf("filestore: list tasks: %s: %w", e.Name(), err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) transition(taskID, terminalID string, to task.Status, apply func(*task.Task)) error {
	lock, err := s.lock("tasks.lock")
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	t, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	if t.Assignee != terminalID {
		return fmt.Errorf("filestore: task %s held by %q not %q: %w", taskID, t.Assignee, terminalID, domain.ErrInvalidTransition)
	}
	if !t.CanTransition(to) {
		return fmt.Errorf("filestore: task %s cannot move %s -> %s: %w", taskID, t.Status, to, domain.ErrInvalidTransition)
	}
	t.Status = to
	apply(t)
	t.UpdatedAt = s.now().UTC()
	t.Version++
	return s.writeTask(t)
}
