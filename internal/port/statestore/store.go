// Package statestore defines the port interfaces for the shared file-backed
// coordination surface: heartbeats, tasks, contracts and the phase cursor.
//
// All implementations must be multi-writer safe with per-entity atomicity;
// there is no cross-entity transaction and no global lock. Mutation errors
// are returned to the caller and never crash the store.
package statestore

import (
	"context"

	"swarmgate/internal/domain/contract"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
	"swarmgate/internal/domain/terminal"
)

// HeartbeatStore holds the latest self-reported record per terminal.
type HeartbeatStore interface {
	// Publish upserts the record for a terminal, last-write-wins by
	// timestamp. An out-of-order write (older timestamp arriving late)
	// is discarded silently.
	Publish(ctx context.Context, hb *terminal.Heartbeat) error

	// Snapshot returns a point-in-time read of all records keyed by
	// terminal id. It never blocks writers; readers tolerate slightly
	// stale data.
	Snapshot(ctx context.Context) (map[string]terminal.Heartbeat, error)
}

// TaskQueue is the phase-partitioned claimable task list.
type TaskQueue interface {
	// Seed inserts the planner's initial task graph. Called once before
	// terminals start.
	Seed(ctx context.Context, tasks []task.Task) error

	// Claim atomically selects one pending task in the given phase whose
	// dependencies are all done, transitions it to claimed and assigns
	// it. Returns (nil, nil) when nothing qualifies; callers back off
	// and re-poll. Exactly one claimant can win a given task.
	Claim(ctx context.Context, terminalID string, p phase.Phase) (*task.Task, error)

	// Start transitions a claimed task to in_progress.
	Start(ctx context.Context, taskID, terminalID string) error

	// Complete transitions claimed/in_progress to done and records the
	// result artifact. Fails with domain.ErrNotFound for an unknown task
	// and domain.ErrInvalidTransition when not held by the caller.
	Complete(ctx context.Context, taskID, terminalID, result string) error

	// Fail transitions to failed. Failed tasks do not unblock
	// dependents; the coordinator surfaces them as blockers.
	Fail(ctx context.Context, taskID, terminalID, reason string) error

	// Release reverts a held task to pending so it can be reclaimed,
	// clearing the assignee.
	Release(ctx context.Context, taskID string) error

	// List returns every task, in creation order.
	List(ctx context.Context) ([]task.Task, error)
}

// ContractRegistry is the shared map of named interface contracts.
type ContractRegistry interface {
	// Propose creates a contract in state proposed. Fails with
	// contract.ErrDuplicate if the name exists and is not rejected.
	Propose(ctx context.Context, name, owner, schema string, p phase.Phase, consumers []string) (*contract.Contract, error)

	// Negotiate moves proposed -> negotiating and records the counter
	// proposal. Repeatable while negotiating.
	Negotiate(ctx context.Context, name, consumerID, counter string) (*contract.Contract, error)

	// Agree records an acknowledgment; the contract becomes agreed once
	// the owner and at least one consumer have both acknowledged.
	Agree(ctx context.Context, name, terminalID string) (*contract.Contract, error)

	// Fulfill moves agreed -> fulfilled. Fails with contract.ErrPremature
	// when the contract is not yet agreed.
	Fulfill(ctx context.Context, name, ownerID string) (*contract.Contract, error)

	// Reject abandons a contract from any live state.
	Reject(ctx context.Context, name, reason string) (*contract.Contract, error)

	// List returns every contract.
	List(ctx context.Context) ([]contract.Contract, error)
}

// PhaseStore holds the single global phase cursor.
type PhaseStore interface {
	// Cursor returns the current cursor, initializing to the first
	// configured phase on first read.
	Cursor(ctx context.Context) (phase.Cursor, error)

	// Advance moves the cursor from cur to next. Fails with
	// domain.ErrConflict if the stored version differs from cur.Version.
	Advance(ctx context.Context, cur phase.Cursor, next phase.Phase) (phase.Cursor, error)
}
