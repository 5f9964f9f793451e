package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "swarmgate"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	TerminalSpawns   metric.Int64Counter
	TerminalRestarts metric.Int64Counter
	TaskClaims       metric.Int64Counter
	TaskConflicts    metric.Int64Counter
	MessagesSent     metric.Int64Counter
	PhaseAdvances    metric.Int64Counter
	RunDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TerminalSpawns, err = meter.Int64Counter("swarmgate.terminals.spawned",
		metric.WithDescription("Number of terminal processes spawned"))
	if err != nil {
		return nil, err
	}

	m.TerminalRestarts, err = meter.Int64Counter("swarmgate.terminals.restarted",
		metric.WithDescription("Number of terminal restarts after abnormal exit"))
	if err != nil {
		return nil, err
	}

	m.TaskClaims, err = meter.Int64Counter("swarmgate.tasks.claimed",
		metric.WithDescription("Number of successful task claims"))
	if err != nil {
		return nil, err
	}

	m.TaskConflicts, err = meter.Int64Counter("swarmgate.tasks.conflicts",
		metric.WithDescription("Number of task transitions lost to another writer"))
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("swarmgate.messages.sent",
		metric.WithDescription("Number of bus messages sent"))
	if err != nil {
		return nil, err
	}

	m.PhaseAdvances, err = meter.Int64Counter("swarmgate.phase.advances",
		metric.WithDescription("Number of phase cursor advances"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("swarmgate.run.duration_seconds",
		metric.WithDescription("Wall-clock run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
