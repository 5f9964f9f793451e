package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "swarmgate"

// StartRunSpan starts the root span for a whole orchestration run.
func StartRunSpan(ctx context.Context, goal string, terminals int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.goal", goal),
			attribute.Int("run.terminals", terminals),
		),
	)
}

// StartTerminalSpan starts a span covering one terminal process lifetime.
func StartTerminalSpan(ctx context.Context, terminalID, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "terminal",
		trace.WithAttributes(
			attribute.String("terminal.id", terminalID),
			attribute.String("terminal.role", role),
		),
	)
}

// StartTaskSpan starts a span for one claimed task execution.
func StartTaskSpan(ctx context.Context, taskID, terminalID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("terminal.id", terminalID),
		),
	)
}

// StartPhaseSpan starts a span for one coordinator evaluation tick.
func StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase.evaluate",
		trace.WithAttributes(attribute.String("phase", phase)),
	)
}
