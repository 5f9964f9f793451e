// Package event defines the audit event appended for every lifecycle transition.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of audit event.
type Type string

const (
	TypePlanCreated Type = "plan.created"

	TypeTerminalSpawned    Type = "terminal.spawned"
	TypeTerminalExited     Type = "terminal.exited"
	TypeTerminalRestarted  Type = "terminal.restarted"
	TypeTerminalTerminated Type = "terminal.terminated"
	TypeTerminalStalled    Type = "terminal.stalled"
	TypeTerminalResumed    Type = "terminal.resumed"

	TypeTaskClaimed   Type = "task.claimed"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
	TypeTaskReclaimed Type = "task.reclaimed"

	TypeContractProposed    Type = "contract.proposed"
	TypeContractNegotiating Type = "contract.negotiating"
	TypeContractAgreed      Type = "contract.agreed"
	TypeContractFulfilled   Type = "contract.fulfilled"
	TypeContractRejected    Type = "contract.rejected"

	TypePhaseAdvanced Type = "phase.advanced"
	TypeRunComplete   Type = "run.complete"
	TypeRunBlocked    Type = "run.blocked"
)

// Event is a single immutable record in the run's audit trajectory.
type Event struct {
	ID        string          `json:"id"`
	Terminal  string          `json:"terminal,omitempty"` // acting terminal, if any
	Subject   string          `json:"subject"`            // task id, contract name, phase, ...
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
