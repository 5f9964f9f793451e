package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
)

// Decompose splits a goal into a task graph across the given ordered phases.
//
// Heuristic, parallelism-first: each independent subgoal of the goal text
// becomes its own task in the first phase with no dependency edges, so the
// whole set is claimable simultaneously. Each later phase gets one fan-in
// task depending on every task of the previous phase.
//
// Returns ErrUnplannable when the goal text yields no subgoal or no phases
// are configured.
func Decompose(goal string, phases []phase.Phase) (*TaskGraph, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("empty goal: %w", ErrUnplannable)
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("no phases configured: %w", ErrUnplannable)
	}

	subgoals := splitSubgoals(goal)
	if len(subgoals) == 0 {
		return nil, fmt.Errorf("goal %q yields no subgoals: %w", goal, ErrUnplannable)
	}

	now := time.Now().UTC()
	g := &TaskGraph{Goal: goal}

	var prev []string
	for i, sub := range subgoals {
		t := task.Task{
			ID:          uuid.NewString(),
			Phase:       phases[0],
			Description: sub,
			Status:      task.StatusPending,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt:   now,
		}
		g.Tasks = append(g.Tasks, t)
		prev = append(prev, t.ID)
	}

	for _, p := range phases[1:] {
		t := task.Task{
			ID:          uuid.NewString(),
			Phase:       p,
			Description: fanInDescription(p, goal),
			DependsOn:   prev,
			Status:      task.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		g.Tasks = append(g.Tasks, t)
		prev = []string{t.ID}
	}

	return g, nil
}

func fanInDescription(p phase.Phase, goal string) string {
	switch p {
	case phase.Integrate:
		return "integrate the built components for: " + goal
	case phase.Test:
		return "verify the integrated result of: " + goal
	}
	return strings.ToLower(string(p)) + ": " + goal
}

// subgoal separators, checked in order. Bullet lists win over inline
// conjunctions so an itemized goal is never re-split on embedded "and".
func splitSubgoals(goal string) []string {
	if items := splitBullets(goal); len(items) > 1 {
		return items
	}

	parts := []string{goal}
	for _, sep := range []string{";", ", and ", " and ", ","} {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}

	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitBullets extracts "- item" / "* item" lines from a multi-line goal.
func splitBullets(goal string) []string {
	var items []string
	for _, line := range strings.Split(goal, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			items = append(items, strings.TrimSpace(rest))
		} else if rest, ok := strings.CutPrefix(line, "* "); ok {
			items = append(items, strings.TrimSpace(rest))
		}
	}
	return items
}
