// Package broadcast defines the port for pushing real-time run events to
// connected operator clients.
package broadcast

import "context"

// Event types emitted over the operator stream.
const (
	EventPlanCreated    = "plan.created"
	EventPhaseAdvanced  = "phase.advanced"
	EventPhaseBlocked   = "phase.blocked"
	EventTerminalStatus = "terminal.status"
	EventTaskStatus     = "task.status"
	EventRunComplete    = "run.complete"
	EventSurfaceChanged = "surface.changed"
)

// Broadcaster sends a typed event to every connected operator client.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards every event. Used when the status
// server is disabled and in tests.
type Nop struct{}

// BroadcastEvent discards the event.
func (Nop) BroadcastEvent(context.Context, string, any) {}
