package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"swarmgate/internal/domain/event"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/plan"
	"swarmgate/internal/port/auditlog"
	"swarmgate/internal/port/broadcast"
	"swarmgate/internal/port/statestore"
)

// Planner turns the run goal into the initial task graph and seeds the
// queue. One-shot: it runs before any terminal starts.
type Planner struct {
	tasks statestore.TaskQueue
	audit auditlog.Store
	hub   broadcast.Broadcaster
	log   *slog.Logger
}

// NewPlanner creates the planner.
func NewPlanner(tasks statestore.TaskQueue, audit auditlog.Store, hub broadcast.Broadcaster, log *slog.Logger) *Planner {
	return &Planner{tasks: tasks, audit: audit, hub: hub, log: log}
}

// Plan decomposes the goal across the configured phases, validates the
// graph and seeds the task queue. A plan.ErrUnplannable error is fatal to
// the run; nothing has been started yet.
func (p *Planner) Plan(ctx context.Context, goal string, phases []phase.Phase) (*plan.TaskGraph, error) {
	graph, err := plan.Decompose(goal, phases)
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	if err := graph.Validate(phases); err != nil {
		return nil, fmt.Errorf("validate task graph: %w", err)
	}

	if err := p.tasks.Seed(ctx, graph.Tasks); err != nil {
		return nil, fmt.Errorf("seed task queue: %w", err)
	}

	counts := make(map[string]int, len(phases))
	for i := range graph.Tasks {
		counts[string(graph.Tasks[i].Phase)]++
	}
	p.log.Info("plan created", "goal", goal, "tasks", len(graph.Tasks), "per_phase", counts)

	payload, err := json.Marshal(map[string]any{"goal": goal, "tasks": len(graph.Tasks)})
	if err == nil {
		ev := &event.Event{Subject: goal, Type: event.TypePlanCreated, Payload: payload}
		if err := p.audit.Append(ctx, ev); err != nil {
			p.log.Warn("audit append failed", "type", event.TypePlanCreated, "error", err)
		}
	}
	p.hub.BroadcastEvent(ctx, broadcast.EventPlanCreated, map[string]any{"goal": goal, "tasks": len(graph.Tasks)})

	return graph, nil
}
