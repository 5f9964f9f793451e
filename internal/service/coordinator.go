package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otelx "swarmgate/internal/adapter/otel"
	"swarmgate/internal/config"
	"swarmgate/internal/domain"
	"swarmgate/internal/domain/contract"
	"swarmgate/internal/domain/event"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
	"swarmgate/internal/domain/terminal"
	"swarmgate/internal/port/auditlog"
	"swarmgate/internal/port/broadcast"
	"swarmgate/internal/port/messagebus"
	"swarmgate/internal/port/statestore"
)

// Coordinator is the single serialized control loop. It is the only actor
// allowed to advance the global phase cursor; staleness classification, task
// reclaim, blocker reporting and bus compaction all exist to make that
// decision safely.
type Coordinator struct {
	cfg            config.Coordinator
	contractWindow time.Duration
	order          []phase.Phase
	known          []string // configured terminal ids

	heartbeats statestore.HeartbeatStore
	tasks      statestore.TaskQueue
	contracts  statestore.ContractRegistry
	phases     statestore.PhaseStore
	bus        messagebus.Bus
	audit      auditlog.Store
	hub        broadcast.Broadcaster
	metrics    *otelx.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	last     phase.Report
	stalled  map[string]bool
	lastLog  string
	quality  map[string]float64
	started  time.Time
}

// NewCoordinator assembles the coordinator from its ports.
func NewCoordinator(
	cfg config.Config,
	heartbeats statestore.HeartbeatStore,
	tasks statestore.TaskQueue,
	contracts statestore.ContractRegistry,
	phases statestore.PhaseStore,
	bus messagebus.Bus,
	audit auditlog.Store,
	hub broadcast.Broadcaster,
	metrics *otelx.Metrics,
	log *slog.Logger,
) *Coordinator {
	known := make([]string, 0, len(cfg.Supervisor.Terminals))
	for _, slot := range cfg.Supervisor.Terminals {
		known = append(known, slot.ID)
	}
	return &Coordinator{
		cfg:            cfg.Coordinator,
		contractWindow: cfg.Contracts.NegotiationTimeout,
		order:          phase.FromStrings(cfg.Run.Phases),
		known:          known,
		heartbeats:     heartbeats,
		tasks:          tasks,
		contracts:      contracts,
		phases:         phases,
		bus:            bus,
		audit:          audit,
		hub:            hub,
		metrics:        metrics,
		log:            log,
		now:            time.Now,
		stalled:        make(map[string]bool),
		quality:        make(map[string]float64),
	}
}

// Report returns the blocker report from the most recent evaluation.
func (c *Coordinator) Report() phase.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Run polls shared state at a fixed interval until the run reaches COMPLETE
// or the context is canceled. It never blocks terminals; one bad tick
// degrades to a log line.
func (c *Coordinator) Run(ctx context.Context) error {
	c.started = c.now()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := c.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("coordinator tick failed", "error", err)
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs one full evaluation. It returns true once the cursor reaches
// COMPLETE.
func (c *Coordinator) tick(ctx context.Context) (bool, error) {
	cur, err := c.phases.Cursor(ctx)
	if err != nil {
		return false, fmt.Errorf("read phase cursor: %w", err)
	}
	if cur.Phase == phase.Complete {
		return true, nil
	}

	ctx, span := otelx.StartPhaseSpan(ctx, string(cur.Phase))
	defer span.End()

	snap, err := c.heartbeats.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot heartbeats: %w", err)
	}
	now := c.now().UTC()
	c.classify(ctx, snap, now)

	tasks, err := c.tasks.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list tasks: %w", err)
	}
	c.reclaim(ctx, snap, tasks, now)

	// Re-list after reclaim so the report reflects the releases.
	tasks, err = c.tasks.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list tasks: %w", err)
	}
	contracts, err := c.contracts.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list contracts: %w", err)
	}

	rep := c.evaluate(cur.Phase, snap, tasks, contracts, now)
	c.mu.Lock()
	c.last = rep
	c.mu.Unlock()

	if !rep.Blocked() {
		done, err := c.advance(ctx, cur)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	} else {
		c.reportBlocked(ctx, &rep)
	}

	if err := c.bus.Compact(ctx, c.known); err != nil {
		c.log.Warn("bus compact failed", "error", err)
	}
	return false, nil
}

// classify compares each heartbeat against the staleness window and emits
// stalled/resumed transitions exactly once per flip.
func (c *Coordinator) classify(ctx context.Context, snap map[string]terminal.Heartbeat, now time.Time) {
	for id, hb := range snap {
		stale := hb.Stale(now, c.cfg.HeartbeatInterval, c.cfg.StalenessFactor)
		was := c.stalled[id]
		switch {
		case stale && !was:
			c.stalled[id] = true
			c.log.Warn("terminal stalled", "terminal", id, "last_beat", hb.Timestamp)
			c.record(ctx, id, event.TypeTerminalStalled)
			c.hub.BroadcastEvent(ctx, broadcast.EventTerminalStatus, map[string]string{"terminal": id, "status": string(terminal.StatusStalled)})
		case !stale && was:
			delete(c.stalled, id)
			c.log.Info("terminal resumed", "terminal", id)
			c.record(ctx, id, event.TypeTerminalResumed)
			c.hub.BroadcastEvent(ctx, broadcast.EventTerminalStatus, map[string]string{"terminal": id, "status": string(hb.Status)})
		}

		// Quality is expected monotonic but not enforced; regressions are
		// only worth a log line.
		if prev, ok := c.quality[id]; ok && hb.Quality < prev {
			c.log.Info("quality regressed", "terminal", id, "from", prev, "to", hb.Quality)
		}
		c.quality[id] = hb.Quality
	}
}

// reclaim reverts tasks held by dead or long-stalled terminals to pending.
func (c *Coordinator) reclaim(ctx context.Context, snap map[string]terminal.Heartbeat, tasks []task.Task, now time.Time) {
	for i := range tasks {
		t := &tasks[i]
		if !t.Status.Active() || t.Assignee == "" {
			continue
		}
		hb, ok := snap[t.Assignee]
		if !ok {
			continue
		}

		var reason string
		switch {
		case hb.Status == terminal.StatusTerminated:
			reason = "holder terminated"
		case c.stalled[t.Assignee] && t.ClaimedAt != nil && now.Sub(*t.ClaimedAt) >= c.cfg.ReclaimAfter:
			reason = "holder stalled past reclaim window"
		default:
			continue
		}

		if err := c.tasks.Release(ctx, t.ID); err != nil {
			c.log.Error("task reclaim failed", "task", t.ID, "error", err)
			continue
		}
		c.log.Warn("task reclaimed", "task", t.ID, "from", t.Assignee, "reason", reason)
		c.record(ctx, t.ID, event.TypeTaskReclaimed)
		c.hub.BroadcastEvent(ctx, broadcast.EventTaskStatus, map[string]string{"task_id": t.ID, "status": string(task.StatusPending)})
	}
}

// evaluate builds the full blocker report for the current phase. All
// blocking conditions are aggregated; the coordinator never fails fast on
// the first one.
func (c *Coordinator) evaluate(p phase.Phase, snap map[string]terminal.Heartbeat, tasks []task.Task, contracts []contract.Contract, now time.Time) phase.Report {
	rep := phase.Report{Phase: p, GeneratedAt: now}

	quorum := 0
	for id, hb := range snap {
		if !hb.QuorumMember(now, c.cfg.HeartbeatInterval, c.cfg.StalenessFactor) {
			continue
		}
		quorum++
		if !hb.ReadyFor(p) {
			rep.Blockers = append(rep.Blockers, phase.Blocker{
				Kind:    phase.BlockerNotReady,
				Subject: id,
				Detail:  fmt.Sprintf("status %s", hb.Status),
			})
		}
	}

	// An empty quorum means no live terminal can move the run forward; the
	// dead terminals themselves become the blockers.
	if quorum == 0 {
		for id, hb := range snap {
			kind := phase.BlockerStalledTerminal
			if hb.Status == terminal.StatusTerminated {
				kind = phase.BlockerTerminatedTerminal
			}
			rep.Blockers = append(rep.Blockers, phase.Blocker{Kind: kind, Subject: id})
		}
	}

	for _, t := range task.Unresolved(tasks, p) {
		kind := phase.BlockerUnresolvedTask
		detail := string(t.Status)
		if t.Assignee != "" {
			detail += " by " + t.Assignee
		}
		rep.Blockers = append(rep.Blockers, phase.Blocker{Kind: kind, Subject: t.ID, Detail: detail})
	}
	for _, t := range task.Failed(tasks, p) {
		rep.Blockers = append(rep.Blockers, phase.Blocker{
			Kind:    phase.BlockerFailedTask,
			Subject: t.ID,
			Detail:  t.FailReason,
		})
	}

	for _, ct := range contract.Unresolved(contracts, p) {
		kind := phase.BlockerOpenContract
		if ct.TimedOut(now, c.contractWindow) {
			kind = phase.BlockerContractTimeout
		}
		rep.Blockers = append(rep.Blockers, phase.Blocker{
			Kind:    kind,
			Subject: ct.Name,
			Detail:  string(ct.State),
		})
	}

	return rep
}

// advance moves the cursor to the next phase, or to COMPLETE after the last
// configured phase. A CAS conflict means another evaluation won the race;
// we just re-read next tick.
func (c *Coordinator) advance(ctx context.Context, cur phase.Cursor) (bool, error) {
	next, more := phase.Next(c.order, cur.Phase)

	updated, err := c.phases.Advance(ctx, cur, next)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			c.log.Warn("phase advance lost cursor race", "from", cur.Phase)
			return false, nil
		}
		return false, fmt.Errorf("advance phase: %w", err)
	}

	c.metrics.PhaseAdvances.Add(ctx, 1)
	if !more {
		c.log.Info("run complete", "last_phase", cur.Phase, "duration", c.now().Sub(c.started))
		c.metrics.RunDuration.Record(ctx, c.now().Sub(c.started).Seconds())
		c.record(ctx, string(phase.Complete), event.TypeRunComplete)
		c.hub.BroadcastEvent(ctx, broadcast.EventRunComplete, map[string]any{"phase": string(phase.Complete)})
		return true, nil
	}

	c.log.Info("phase advanced", "from", cur.Phase, "to", updated.Phase, "version", updated.Version)
	c.record(ctx, string(updated.Phase), event.TypePhaseAdvanced)
	c.hub.BroadcastEvent(ctx, broadcast.EventPhaseAdvanced, map[string]any{
		"phase":   string(updated.Phase),
		"version": updated.Version,
	})
	return false, nil
}

// reportBlocked surfaces the aggregated report, once per distinct picture.
func (c *Coordinator) reportBlocked(ctx context.Context, rep *phase.Report) {
	rendered := rep.Render()
	if rendered == c.lastLog {
		return
	}
	c.lastLog = rendered
	c.log.Warn("phase blocked", "report", rendered)

	payload, err := json.Marshal(rep)
	if err == nil {
		c.auditPayload(ctx, string(rep.Phase), event.TypeRunBlocked, payload)
	}
	c.hub.BroadcastEvent(ctx, broadcast.EventPhaseBlocked, rep)
}

func (c *Coordinator) record(ctx context.Context, subject string, typ event.Type) {
	c.auditPayload(ctx, subject, typ, nil)
}

func (c *Coordinator) auditPayload(ctx context.Context, subject string, typ event.Type, payload json.RawMessage) {
	ev := &event.Event{Subject: subject, Type: typ, Payload: payload}
	if err := c.audit.Append(ctx, ev); err != nil {
		c.log.Warn("audit append failed", "type", typ, "error", err)
	}
}
