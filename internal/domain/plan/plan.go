// Package plan builds the initial task graph from a goal description.
//
// The planner is one-shot: it runs before any terminal starts, never during
// the run. Decomposition favors maximal parallelism: independent subgoals
// become independent tasks rather than a serialized chain.
package plan

import (
	"errors"

	"swarmgate/internal/domain/task"
)

// ErrUnplannable indicates the goal cannot be decomposed into at least one
// task per required phase. Fatal to the run before any terminal starts.
var ErrUnplannable = errors.New("unplannable goal")

// TaskGraph is the planner output: the full set of phase-tagged tasks with
// explicit dependency edges, ready to seed the task queue.
type TaskGraph struct {
	Goal  string      `json:"goal"`
	Tasks []task.Task `json:"tasks"`
}

// PhaseTasks returns the tasks assigned to the given phase, in order.
func (g *TaskGraph) PhaseTasks(p string) []task.Task {
	var out []task.Task
	for i := range g.Tasks {
		if string(g.Tasks[i].Phase) == p {
			out = append(out, g.Tasks[i])
		}
	}
	return out
}
