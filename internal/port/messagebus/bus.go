// Package messagebus defines the message bus port (interface).
package messagebus

import (
	"context"

	"swarmgate/internal/domain/message"
)

// Bus delivers durable point-to-point and broadcast messages between
// terminals with at-least-once semantics: a recipient that restarts before
// consuming a message will see it again on its next poll.
type Bus interface {
	// Send appends the message to the recipient's durable inbox, or to
	// the shared broadcast inbox when addressed to message.Broadcast.
	Send(ctx context.Context, msg *message.Message) error

	// Poll drains the undelivered messages for a terminal and marks them
	// delivered for that recipient only. Finite per call, never blocks;
	// callers control their own backoff.
	Poll(ctx context.Context, terminalID string) ([]message.Message, error)

	// Compact drops broadcast messages consumed by every known terminal
	// or older than the retention window.
	Compact(ctx context.Context, known []string) error

	// Close releases bus resources.
	Close() error
}
