package plan

import (
	"fmt"

	"swarmgate/internal/domain/phase"
)

// Validate checks the structural invariants of a task graph:
// every configured phase has at least one task, every dependency edge points
// at a known task in the same or an earlier phase, and the graph is acyclic.
func (g *TaskGraph) Validate(phases []phase.Phase) error {
	if len(g.Tasks) == 0 {
		return fmt.Errorf("graph has no tasks: %w", ErrUnplannable)
	}

	byID := make(map[string]int, len(g.Tasks))
	perPhase := make(map[phase.Phase]int, len(phases))
	for i := range g.Tasks {
		t := &g.Tasks[i]
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		byID[t.ID] = i
		perPhase[t.Phase]++
		if phase.Index(phases, t.Phase) < 0 {
			return fmt.Errorf("task %s assigned to unknown phase %s", t.ID, t.Phase)
		}
	}

	for _, p := range phases {
		if perPhase[p] == 0 {
			return fmt.Errorf("phase %s has no tasks: %w", p, ErrUnplannable)
		}
	}

	for i := range g.Tasks {
		t := &g.Tasks[i]
		for _, dep := range t.DependsOn {
			j, ok := byID[dep]
			if !ok {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			if phase.Index(phases, g.Tasks[j].Phase) > phase.Index(phases, t.Phase) {
				return fmt.Errorf("task %s (%s) depends on later-phase task %s (%s)",
					t.ID, t.Phase, dep, g.Tasks[j].Phase)
			}
		}
	}

	return g.checkAcyclic(byID)
}

// checkAcyclic runs a three-color depth-first search over dependency edges.
func (g *TaskGraph) checkAcyclic(byID map[string]int) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.Tasks))

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range g.Tasks[i].DependsOn {
			j := byID[dep]
			switch color[j] {
			case gray:
				return fmt.Errorf("dependency cycle through task %s", dep)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := range g.Tasks {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
