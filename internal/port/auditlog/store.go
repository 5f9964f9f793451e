// Package auditlog defines the port interface for the append-only audit log.
package auditlog

import (
	"context"

	"swarmgate/internal/domain/event"
)

// Store appends immutable lifecycle events and serves them back for
// operator diagnosis. Append failures degrade to a log line; they never
// block coordination.
type Store interface {
	// Append persists a new event.
	Append(ctx context.Context, ev *event.Event) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]event.Event, error)
}
