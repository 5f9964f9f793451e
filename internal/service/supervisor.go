// Package service contains the orchestration services: the terminal
// supervisor, the per-terminal driver, the phase coordinator and the
// planner. Services depend on ports, never on concrete adapters.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	otelx "swarmgate/internal/adapter/otel"
	"swarmgate/internal/config"
	"swarmgate/internal/domain/event"
	"swarmgate/internal/domain/terminal"
	"swarmgate/internal/port/auditlog"
	"swarmgate/internal/port/statestore"
	"swarmgate/internal/resilience"
)

// ErrSpawn indicates the worker process could not be started: missing
// executable or unusable working directory.
var ErrSpawn = errors.New("terminal spawn failed")

// ErrTimeout indicates the worker exceeded its run deadline and was killed.
var ErrTimeout = errors.New("terminal run timeout exceeded")

// ErrTerminated indicates the restart budget is exhausted and the terminal
// is permanently dead. Callers must stop driving the slot; any later
// heartbeat would pull it back into the quorum.
var ErrTerminated = errors.New("terminal terminated")

// Handle is one live worker subprocess under supervision.
type Handle struct {
	Slot config.TerminalSlot

	cmd  *exec.Cmd
	ptmx *os.File

	streamOnce sync.Once
	lines      chan string

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Supervisor owns terminal subprocess lifecycles: spawn, stream capture,
// timeout enforcement and bounded restart with exponential backoff.
type Supervisor struct {
	cfg        config.Supervisor
	heartbeats statestore.HeartbeatStore
	audit      auditlog.Store
	metrics    *otelx.Metrics
	log        *slog.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// NewSupervisor creates a Supervisor reflecting lifecycle transitions into
// the heartbeat store and the audit log.
func NewSupervisor(
	cfg config.Supervisor,
	heartbeats statestore.HeartbeatStore,
	audit auditlog.Store,
	metrics *otelx.Metrics,
	log *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		heartbeats: heartbeats,
		audit:      audit,
		metrics:    metrics,
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Spawn launches the worker process for a slot with extra argv appended to
// the configured command. The process gets its own process group and a PTY,
// since coding-agent CLIs expect an interactive terminal.
func (s *Supervisor) Spawn(ctx context.Context, slot config.TerminalSlot, extraArgs ...string) (*Handle, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: no worker command configured", ErrSpawn)
	}

	bin, err := exec.LookPath(s.cfg.Command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: executable %q: %v", ErrSpawn, s.cfg.Command[0], err)
	}
	if slot.Workdir != "" {
		info, err := os.Stat(slot.Workdir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: workdir %q not usable", ErrSpawn, slot.Workdir)
		}
		probe, err := os.CreateTemp(slot.Workdir, ".swarmgate-probe-*")
		if err != nil {
			return nil, fmt.Errorf("%w: workdir %q not writable", ErrSpawn, slot.Workdir)
		}
		probe.Close()
		_ = os.Remove(probe.Name())
	}

	// Plain Command, not CommandContext: cancellation goes through kill()
	// so the group gets SIGTERM and a grace window first.
	args := append(append([]string{}, s.cfg.Command[1:]...), extraArgs...)
	cmd := exec.Command(bin, args...)
	cmd.Dir = slot.Workdir
	cmd.Env = append(os.Environ(),
		"SWARMGATE_TERMINAL="+slot.ID,
		"SWARMGATE_ROLE="+slot.Role,
	)
	// pty.Start forces Setsid (required for Setctty), which already places
	// the child in its own fresh process group (pgid == pid). Requesting
	// Setpgid as well makes the child call setpgid() after setsid(), which
	// fails with EPERM for a session leader and aborts every spawn.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		Slot: slot,
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	s.record(ctx, slot.ID, event.TypeTerminalSpawned, "")
	s.beat(ctx, slot, terminal.StatusBuilding)
	s.metrics.TerminalSpawns.Add(ctx, 1)
	s.log.Info("terminal spawned", "terminal", slot.ID, "role", slot.Role, "pid", cmd.Process.Pid)
	return h, nil
}

// Stream returns the worker's output as a channel of lines. The scanner
// goroutine starts on first call and lives for the whole process; repeated
// calls return the same channel.
func (s *Supervisor) Stream(h *Handle) <-chan string {
	h.streamOnce.Do(func() {
		h.lines = make(chan string, 256)
		go func() {
			defer close(h.lines)
			sc := bufio.NewScanner(h.ptmx)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				h.lines <- sc.Text()
			}
			// A PTY read error on process exit is the normal EOF path.
		}()
	})
	return h.lines
}

// Await blocks until the process exits or the timeout elapses. On timeout
// it sends SIGTERM to the process group, waits the grace period, then
// SIGKILLs and returns ErrTimeout.
func (s *Supervisor) Await(ctx context.Context, h *Handle, timeout time.Duration) error {
	go h.wait()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-h.done:
		return h.waitErr
	case <-ctx.Done():
		s.kill(h)
		<-h.done
		return ctx.Err()
	case <-deadline:
		s.kill(h)
		<-h.done
		return fmt.Errorf("terminal %s after %s: %w", h.Slot.ID, timeout, ErrTimeout)
	}
}

func (h *Handle) wait() {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		_ = h.ptmx.Close()
		close(h.done)
	})
}

// kill signals the whole process group: SIGTERM, grace period, SIGKILL.
func (s *Supervisor) kill(h *Handle) {
	pgid := -h.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(s.cfg.GracePeriod):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
}

// Run executes one worker invocation for a slot under the restart policy:
// abnormal exits (non-zero code or timeout) retry with exponential backoff
// until the budget is exhausted, at which point the terminal is marked
// terminated. onSpawn is called for each (re)spawned process so the caller
// can consume its stream.
func (s *Supervisor) Run(ctx context.Context, slot config.TerminalSlot, extraArgs []string, onSpawn func(*Handle)) error {
	backoff := resilience.Backoff{
		Base:        s.cfg.RestartBase,
		Factor:      s.cfg.RestartFactor,
		MaxAttempts: s.cfg.RestartMax,
	}

	for attempt := 0; ; attempt++ {
		h, err := s.Spawn(ctx, slot, extraArgs...)
		if err != nil {
			return err
		}
		if onSpawn != nil {
			onSpawn(h)
		}

		runErr := s.Await(ctx, h, s.cfg.RunTimeout)
		if runErr == nil {
			s.record(ctx, slot.ID, event.TypeTerminalExited, "")
			s.beat(ctx, slot, terminal.StatusIdle)
			return nil
		}
		if ctx.Err() != nil {
			s.record(ctx, slot.ID, event.TypeTerminalExited, "canceled")
			return ctx.Err()
		}

		s.record(ctx, slot.ID, event.TypeTerminalExited, runErr.Error())
		if backoff.Exhausted(attempt) {
			s.terminate(ctx, slot)
			return fmt.Errorf("terminal %s: restart budget exhausted after %v: %w", slot.ID, runErr, ErrTerminated)
		}

		delay := backoff.Delay(attempt)
		s.log.Warn("terminal exited abnormally, restarting",
			"terminal", slot.ID, "attempt", attempt+1, "backoff", delay, "error", runErr)
		s.record(ctx, slot.ID, event.TypeTerminalRestarted, delay.String())
		// A fresh timestamp here keeps the coordinator from classifying the
		// slot stalled while the backoff window elapses.
		s.beat(ctx, slot, terminal.StatusIdle)
		s.metrics.TerminalRestarts.Add(ctx, 1)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// terminate marks a slot permanently dead: excluded from quorum for good.
func (s *Supervisor) terminate(ctx context.Context, slot config.TerminalSlot) {
	s.beat(ctx, slot, terminal.StatusTerminated)
	s.record(ctx, slot.ID, event.TypeTerminalTerminated, "")
	s.log.Error("terminal terminated", "terminal", slot.ID)
}

// beat reflects a lifecycle transition into the heartbeat store.
func (s *Supervisor) beat(ctx context.Context, slot config.TerminalSlot, status terminal.Status) {
	hb := &terminal.Heartbeat{
		Terminal:  slot.ID,
		Role:      slot.Role,
		Status:    status,
		Timestamp: s.now().UTC(),
	}
	if err := s.heartbeats.Publish(ctx, hb); err != nil {
		s.log.Error("publish lifecycle heartbeat failed", "terminal", slot.ID, "status", status, "error", err)
	}
}

func (s *Supervisor) record(ctx context.Context, terminalID string, typ event.Type, detail string) {
	ev := &event.Event{Terminal: terminalID, Subject: terminalID, Type: typ}
	if detail != "" {
		ev.Payload = []byte(fmt.Sprintf("%q", detail))
	}
	if err := s.audit.Append(ctx, ev); err != nil {
		s.log.Warn("audit append failed", "type", typ, "error", err)
	}
}
