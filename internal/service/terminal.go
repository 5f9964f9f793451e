package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	otelx "swarmgate/internal/adapter/otel"
	"swarmgate/internal/config"
	"swarmgate/internal/domain"
	"swarmgate/internal/domain/contract"
	"swarmgate/internal/domain/event"
	"swarmgate/internal/domain/message"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/report"
	"swarmgate/internal/domain/task"
	"swarmgate/internal/domain/terminal"
	"swarmgate/internal/port/auditlog"
	"swarmgate/internal/port/messagebus"
	"swarmgate/internal/port/statestore"
)

// Driver bridges one black-box worker to the coordination surface. Each
// driver runs its own loop: poll the inbox, claim a task, run the worker
// with a rendered prompt, parse its self-report and reflect the outcome
// into heartbeats, tasks, contracts and messages.
type Driver struct {
	slot       config.TerminalSlot
	sup        *Supervisor
	heartbeats statestore.HeartbeatStore
	tasks      statestore.TaskQueue
	contracts  statestore.ContractRegistry
	phases     statestore.PhaseStore
	bus        messagebus.Bus
	audit      auditlog.Store
	metrics    *otelx.Metrics
	log        *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time
}

// NewDriver creates the driver for one terminal slot.
func NewDriver(
	slot config.TerminalSlot,
	sup *Supervisor,
	heartbeats statestore.HeartbeatStore,
	tasks statestore.TaskQueue,
	contracts statestore.ContractRegistry,
	phases statestore.PhaseStore,
	bus messagebus.Bus,
	audit auditlog.Store,
	metrics *otelx.Metrics,
	cfg config.Config,
	log *slog.Logger,
) *Driver {
	return &Driver{
		slot:              slot,
		sup:               sup,
		heartbeats:        heartbeats,
		tasks:             tasks,
		contracts:         contracts,
		phases:            phases,
		bus:               bus,
		audit:             audit,
		metrics:           metrics,
		log:               log.With("terminal", slot.ID),
		pollInterval:      cfg.Supervisor.PollInterval,
		heartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		now:               time.Now,
	}
}

// Run executes the driver loop until the context is canceled, the run
// reaches COMPLETE, or the supervisor terminates the slot. The loop never
// crashes on a single bad cycle; errors degrade to a log line and the next
// poll. Termination is final: the loop exits without another heartbeat so
// the terminated record is never overwritten.
func (d *Driver) Run(ctx context.Context) error {
	ctx, span := otelx.StartTerminalSpan(ctx, d.slot.ID, d.slot.Role)
	defer span.End()

	for {
		cur, err := d.phases.Cursor(ctx)
		if err != nil {
			return fmt.Errorf("driver %s: read phase: %w", d.slot.ID, err)
		}
		if cur.Phase == phase.Complete {
			return nil
		}

		inbox, err := d.bus.Poll(ctx, d.slot.ID)
		if err != nil {
			d.log.Warn("inbox poll failed", "error", err)
		}

		claimed, err := d.tasks.Claim(ctx, d.slot.ID, cur.Phase)
		if err != nil {
			d.log.Warn("claim failed", "error", err)
		}

		if claimed == nil {
			// Nothing claimable: signal readiness for this phase and back off.
			if err := d.beat(ctx, cur.Phase, terminal.StatusIdle, "", "", nil, true); err != nil {
				d.log.Warn("heartbeat failed", "error", err)
			}
			if err := sleepCtx(ctx, d.pollInterval); err != nil {
				return nil
			}
			continue
		}

		d.metrics.TaskClaims.Add(ctx, 1)
		d.recordTask(ctx, event.TypeTaskClaimed, claimed.ID)
		if err := d.execute(ctx, cur.Phase, claimed, inbox); err != nil {
			if ctx.Err() != nil {
				// Cancellation mid-task: revert the claim so another
				// terminal can pick it up.
				relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if relErr := d.tasks.Release(relCtx, claimed.ID); relErr != nil {
					d.log.Error("release on cancel failed", "task", claimed.ID, "error", relErr)
				}
				cancel()
				return ctx.Err()
			}
			if errors.Is(err, ErrTerminated) {
				d.log.Error("terminal terminated, leaving the run", "task", claimed.ID, "error", err)
				return nil
			}
			d.log.Error("task execution failed", "task", claimed.ID, "error", err)
		}
	}
}

// execute runs the worker once for one claimed task and applies its report.
func (d *Driver) execute(ctx context.Context, p phase.Phase, t *task.Task, inbox []message.Message) error {
	ctx, span := otelx.StartTaskSpan(ctx, t.ID, d.slot.ID)
	defer span.End()

	if err := d.tasks.Start(ctx, t.ID, d.slot.ID); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			d.release(ctx, t.ID)
		}
		return fmt.Errorf("start task: %w", err)
	}
	if err := d.beat(ctx, p, terminal.StatusBuilding, t.Description, t.ID, nil, false); err != nil {
		d.log.Warn("heartbeat failed", "error", err)
	}

	prompt, err := d.renderPrompt(ctx, p, t, inbox)
	if err != nil {
		// The claim must not outlive the attempt: a held in_progress task
		// with a healthy assignee is invisible to coordinator reclaim.
		d.release(ctx, t.ID)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var output strings.Builder
	var drained sync.WaitGroup
	hbTick := time.NewTicker(d.heartbeatInterval)
	defer hbTick.Stop()

	collect := func(h *Handle) {
		lines := d.sup.Stream(h)
		drained.Add(1)
		go func() {
			defer drained.Done()
			for {
				select {
				case line, ok := <-lines:
					if !ok {
						return
					}
					output.WriteString(line)
					output.WriteByte('\n')
				case <-hbTick.C:
					if err := d.beat(runCtx, p, terminal.StatusBuilding, t.Description, t.ID, nil, false); err != nil {
						d.log.Warn("heartbeat failed", "error", err)
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	// The collector exits when the stream closes on process exit, so every
	// buffered line is in before the report parse.
	runErr := d.sup.Run(runCtx, d.slot, []string{"--task", t.Description, "--prompt", prompt}, collect)
	drained.Wait()
	if runErr != nil {
		if failErr := d.tasks.Fail(ctx, t.ID, d.slot.ID, runErr.Error()); failErr != nil {
			d.log.Error("fail transition failed", "task", t.ID, "error", failErr)
			if !errors.Is(failErr, domain.ErrInvalidTransition) {
				d.release(ctx, t.ID)
			}
		}
		d.recordTask(ctx, event.TypeTaskFailed, t.ID)
		return runErr
	}

	return d.applyReport(ctx, p, t, output.String())
}

// applyReport parses the worker self-report and reflects it into shared
// state. An unparseable report leaves every record untouched.
func (d *Driver) applyReport(ctx context.Context, p phase.Phase, t *task.Task, output string) error {
	rep, err := report.Parse(output)
	if err != nil {
		d.log.Warn("worker report unparseable, no state change", "task", t.ID, "error", err)
		d.release(ctx, t.ID)
		return nil
	}

	for _, ref := range rep.Contracts {
		if err := d.applyContract(ctx, p, ref); err != nil {
			d.log.Warn("contract operation rejected", "contract", ref.Name, "action", ref.Action, "error", err)
		}
	}

	for _, need := range rep.Needs {
		payload, _ := json.Marshal(map[string]string{"need": need, "task": t.ID})
		msg := &message.Message{From: d.slot.ID, To: message.Broadcast, Payload: payload}
		if err := d.bus.Send(ctx, msg); err != nil {
			d.log.Warn("broadcast need failed", "error", err)
			continue
		}
		d.metrics.MessagesSent.Add(ctx, 1)
	}

	status := terminal.StatusVerifying
	if !rep.Verified() {
		status = terminal.StatusBuilding
	}
	hb := &terminal.Heartbeat{
		Terminal:    d.slot.ID,
		Role:        d.slot.Role,
		Status:      status,
		Phase:       p,
		CurrentWork: rep.Focus,
		TaskID:      t.ID,
		Needs:       rep.Needs,
		Offers:      rep.Offers,
		Timestamp:   d.now().UTC(),
	}
	if rep.HasQuality {
		hb.Quality = rep.Quality
	}
	if err := d.heartbeats.Publish(ctx, hb); err != nil {
		d.log.Warn("heartbeat failed", "error", err)
	}

	if rep.Verified() {
		result := strings.Join(rep.Done, "; ")
		if result == "" {
			result = rep.Focus
		}
		if err := d.tasks.Complete(ctx, t.ID, d.slot.ID, result); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// The coordinator reclaimed the task mid-run.
				d.metrics.TaskConflicts.Add(ctx, 1)
			} else {
				d.release(ctx, t.ID)
			}
			return fmt.Errorf("complete task: %w", err)
		}
		d.recordTask(ctx, event.TypeTaskCompleted, t.ID)
		return nil
	}

	detail := "verification did not pass"
	if rep.Verification != nil && rep.Verification.Detail != "" {
		detail = rep.Verification.Detail
	}
	if err := d.tasks.Fail(ctx, t.ID, d.slot.ID, detail); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			d.metrics.TaskConflicts.Add(ctx, 1)
		} else {
			d.release(ctx, t.ID)
		}
		return fmt.Errorf("fail task: %w", err)
	}
	d.recordTask(ctx, event.TypeTaskFailed, t.ID)
	return nil
}

func (d *Driver) applyContract(ctx context.Context, p phase.Phase, ref report.ContractRef) error {
	var err error
	switch ref.Action {
	case report.ActionPropose:
		_, err = d.contracts.Propose(ctx, ref.Name, d.slot.ID, ref.Schema, p, nil)
		d.recordContract(ctx, event.TypeContractProposed, ref.Name, err)
	case report.ActionNegotiate:
		_, err = d.contracts.Negotiate(ctx, ref.Name, d.slot.ID, ref.Schema)
		d.recordContract(ctx, event.TypeContractNegotiating, ref.Name, err)
	case report.ActionAgree:
		var c *contract.Contract
		c, err = d.contracts.Agree(ctx, ref.Name, d.slot.ID)
		if err == nil && c.State == contract.StateAgreed {
			d.recordContract(ctx, event.TypeContractAgreed, ref.Name, nil)
		}
	case report.ActionFulfill:
		_, err = d.contracts.Fulfill(ctx, ref.Name, d.slot.ID)
		d.recordContract(ctx, event.TypeContractFulfilled, ref.Name, err)
	default:
		err = fmt.Errorf("unknown contract action %q", ref.Action)
	}
	return err
}

// renderPrompt assembles the worker prompt: role, task, open contracts and
// the drained inbox. The worker itself is opaque; the prompt is the whole
// interface.
func (d *Driver) renderPrompt(ctx context.Context, p phase.Phase, t *task.Task, inbox []message.Message) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\nPhase: %s\nTask %s: %s\n", d.slot.Role, p, t.ID, t.Description)

	contracts, err := d.contracts.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list contracts: %w", err)
	}
	var open []string
	for i := range contracts {
		c := &contracts[i]
		if c.Open() || c.State == contract.StateAgreed {
			open = append(open, fmt.Sprintf("%s [%s, owner %s]: %s", c.Name, c.State, c.Owner, c.Schema))
		}
	}
	if len(open) > 0 {
		b.WriteString("\nContracts:\n")
		for _, line := range open {
			b.WriteString("- " + line + "\n")
		}
	}

	if len(inbox) > 0 {
		b.WriteString("\nMessages:\n")
		for i := range inbox {
			fmt.Fprintf(&b, "- from %s: %s\n", inbox[i].From, string(inbox[i].Payload))
		}
	}

	b.WriteString("\nEnd your run with the standard report (Focus, Quality, Done, Needs, Offers, Contracts, Verification).\n")
	return b.String(), nil
}

// release reverts a held claim so another terminal can pick the task up.
func (d *Driver) release(ctx context.Context, taskID string) {
	if err := d.tasks.Release(ctx, taskID); err != nil {
		d.log.Error("release failed", "task", taskID, "error", err)
	}
}

func (d *Driver) beat(ctx context.Context, p phase.Phase, status terminal.Status, work, taskID string, needs []string, ready bool) error {
	return d.heartbeats.Publish(ctx, &terminal.Heartbeat{
		Terminal:    d.slot.ID,
		Role:        d.slot.Role,
		Status:      status,
		Phase:       p,
		CurrentWork: work,
		TaskID:      taskID,
		Needs:       needs,
		Ready:       ready,
		Timestamp:   d.now().UTC(),
	})
}

func (d *Driver) recordTask(ctx context.Context, typ event.Type, taskID string) {
	ev := &event.Event{Terminal: d.slot.ID, Subject: taskID, Type: typ}
	if err := d.audit.Append(ctx, ev); err != nil {
		d.log.Warn("audit append failed", "type", typ, "error", err)
	}
}

func (d *Driver) recordContract(ctx context.Context, typ event.Type, name string, opErr error) {
	if opErr != nil {
		return
	}
	ev := &event.Event{Terminal: d.slot.ID, Subject: name, Type: typ}
	if err := d.audit.Append(ctx, ev); err != nil {
		d.log.Warn("audit append failed", "type", typ, "error", err)
	}
}
