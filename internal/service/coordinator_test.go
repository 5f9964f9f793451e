package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"swarmgate/internal/adapter/filestore"
	otelx "swarmgate/internal/adapter/otel"
	"swarmgate/internal/config"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
	"swarmgate/internal/domain/terminal"
	"swarmgate/internal/port/broadcast"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCoordinator wires a coordinator against a real file surface in a
// temp dir with an injected clock.
func newTestCoordinator(t *testing.T) (*Coordinator, *filestore.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store, err := filestore.New(t.TempDir(), phase.Build, filestore.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	metrics, err := otelx.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := config.Defaults()
	cfg.Supervisor.Terminals = []config.TerminalSlot{
		{ID: "t1", Role: "builder"},
		{ID: "t2", Role: "builder"},
	}

	c := NewCoordinator(cfg, store, store, store.Contracts(), store, store,
		filestore.NewAuditLog(store), broadcast.Nop{}, metrics, testLogger())
	c.now = clock.Now
	return c, store, clock
}

func beatReady(t *testing.T, store *filestore.Store, clock *fakeClock, id string, p phase.Phase, ready bool) {
	t.Helper()
	err := store.Publish(context.Background(), &terminal.Heartbeat{
		Terminal:  id,
		Status:    terminal.StatusIdle,
		Phase:     p,
		Ready:     ready,
		Timestamp: clock.Now(),
	})
	if err != nil {
		t.Fatalf("Publish %s: %v", id, err)
	}
}

func TestTick_AdvancesWhenPhaseClear(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	seedAndFinish(t, store, "b1", phase.Build)
	beatReady(t, store, clock, "t1", phase.Build, true)
	beatReady(t, store, clock, "t2", phase.Build, true)

	done, err := c.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatal("run reported complete after first phase")
	}

	cur, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cur.Phase != phase.Integrate {
		t.Fatalf("phase = %s, want INTEGRATE", cur.Phase)
	}
}

func seedAndFinish(t *testing.T, store *filestore.Store, id string, p phase.Phase) {
	t.Helper()
	ctx := context.Background()
	if err := store.Seed(ctx, []task.Task{{ID: id, Phase: p, Description: "work"}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1", p); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Complete(ctx, id, "t1", "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestTick_BlocksOnUnresolvedTask(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	if err := store.Seed(ctx, []task.Task{{ID: "open", Phase: phase.Build}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	beatReady(t, store, clock, "t1", phase.Build, true)
	beatReady(t, store, clock, "t2", phase.Build, true)

	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rep := c.Report()
	if !rep.Has(phase.BlockerUnresolvedTask) {
		t.Fatalf("report lacks unresolved-task blocker: %+v", rep)
	}
	cur, _ := store.Cursor(ctx)
	if cur.Phase != phase.Build {
		t.Fatalf("phase advanced to %s while blocked", cur.Phase)
	}
}

func TestTick_BlocksOnNotReadyTerminal(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	seedAndFinish(t, store, "b1", phase.Build)
	beatReady(t, store, clock, "t1", phase.Build, true)
	beatReady(t, store, clock, "t2", phase.Build, false)

	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	rep := c.Report()
	if !rep.Has(phase.BlockerNotReady) {
		t.Fatalf("report lacks not-ready blocker: %+v", rep)
	}
}

func TestTick_StalledTerminalExcludedFromQuorum(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	seedAndFinish(t, store, "b1", phase.Build)
	beatReady(t, store, clock, "t1", phase.Build, true)
	beatReady(t, store, clock, "t2", phase.Build, false)

	// t2 goes silent past the staleness window; its not-ready flag must no
	// longer block the phase.
	clock.Advance(25 * time.Second)
	beatReady(t, store, clock, "t1", phase.Build, true)

	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	cur, _ := store.Cursor(ctx)
	if cur.Phase != phase.Integrate {
		t.Fatalf("phase = %s, want INTEGRATE after excluding stalled t2", cur.Phase)
	}
}

func TestTick_StalledThenResumed(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	if err := store.Seed(ctx, []task.Task{{ID: "open", Phase: phase.Build}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	beatReady(t, store, clock, "t1", phase.Build, false)
	beatReady(t, store, clock, "t2", phase.Build, false)

	clock.Advance(25 * time.Second)
	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !c.stalled["t1"] || !c.stalled["t2"] {
		t.Fatalf("stalled map = %+v, want both stalled", c.stalled)
	}
	rep := c.Report()
	if !rep.Has(phase.BlockerStalledTerminal) {
		t.Fatalf("report lacks stalled-terminal blocker: %+v", rep)
	}

	// A fresh heartbeat reinstates within one poll.
	beatReady(t, store, clock, "t1", phase.Build, false)
	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if c.stalled["t1"] {
		t.Fatal("t1 still classified stalled after resuming")
	}
}

func TestTick_ReclaimsTaskFromStalledHolder(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	if err := store.Seed(ctx, []task.Task{{ID: "held", Phase: phase.Build}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	beatReady(t, store, clock, "t1", phase.Build, false)
	beatReady(t, store, clock, "t2", phase.Build, false)
	if _, err := store.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Past staleness but inside the reclaim window: still held.
	clock.Advance(25 * time.Second)
	beatReady(t, store, clock, "t2", phase.Build, false)
	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	all, _ := store.List(ctx)
	if all[0].Status != task.StatusClaimed {
		t.Fatalf("task reclaimed too early: %s", all[0].Status)
	}

	// Past the reclaim window the claim reverts to pending.
	clock.Advance(c.cfg.ReclaimAfter)
	beatReady(t, store, clock, "t2", phase.Build, false)
	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	all, _ = store.List(ctx)
	if all[0].Status != task.StatusPending || all[0].Assignee != "" {
		t.Fatalf("task = %+v, want pending and unassigned", all[0])
	}
}

func TestTick_ReclaimsTaskFromTerminatedHolder(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	if err := store.Seed(ctx, []task.Task{{ID: "held", Phase: phase.Build}}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	err := store.Publish(ctx, &terminal.Heartbeat{
		Terminal:  "t1",
		Status:    terminal.StatusTerminated,
		Timestamp: clock.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	beatReady(t, store, clock, "t2", phase.Build, false)

	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	all, _ := store.List(ctx)
	if all[0].Status != task.StatusPending {
		t.Fatalf("task = %s, want pending immediately after termination", all[0].Status)
	}
}

func TestTick_ContractBlockerAndTimeout(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	seedAndFinish(t, store, "b1", phase.Build)
	beatReady(t, store, clock, "t1", phase.Build, true)
	beatReady(t, store, clock, "t2", phase.Build, true)
	if _, err := store.Propose(ctx, "AuthAPI", "t2", "POST /login", phase.Build, nil); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	rep := c.Report()
	if !rep.Has(phase.BlockerOpenContract) {
		t.Fatalf("report lacks open-contract blocker: %+v", rep)
	}

	// Past the negotiation window the blocker reclassifies, still blocking.
	clock.Advance(c.contractWindow + time.Minute)
	beatReady(t, store, clock, "t1", phase.Build, true)
	beatReady(t, store, clock, "t2", phase.Build, true)
	if _, err := c.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	rep = c.Report()
	if !rep.Has(phase.BlockerContractTimeout) {
		t.Fatalf("report lacks contract-timeout blocker: %+v", rep)
	}
	cur, _ := store.Cursor(ctx)
	if cur.Phase != phase.Build {
		t.Fatalf("phase advanced to %s past a blocked contract", cur.Phase)
	}
}

func TestTick_CompletesAfterLastPhase(t *testing.T) {
	c, store, clock := newTestCoordinator(t)
	ctx := context.Background()

	// Walk the cursor to the last phase.
	cur, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	cur, err = store.Advance(ctx, cur, phase.Integrate)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err = store.Advance(ctx, cur, phase.Test); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	beatReady(t, store, clock, "t1", phase.Test, true)
	beatReady(t, store, clock, "t2", phase.Test, true)

	done, err := c.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !done {
		t.Fatal("tick did not report completion after last phase")
	}
	cur, _ = store.Cursor(ctx)
	if cur.Phase != phase.Complete {
		t.Fatalf("phase = %s, want COMPLETE", cur.Phase)
	}
}
