// Package contract defines the negotiated interface contract entity and its
// bounded state machine.
package contract

import (
	"errors"
	"fmt"
	"time"

	"swarmgate/internal/domain"
	"swarmgate/internal/domain/phase"
)

// ErrDuplicate indicates a proposal reuses a name that is still live.
var ErrDuplicate = errors.New("contract already exists")

// ErrPremature indicates fulfill was called before the contract was agreed.
var ErrPremature = errors.New("premature fulfillment: contract not agreed")

// State represents the lifecycle state of a contract.
// Transitions are monotonic along proposed -> negotiating -> agreed ->
// fulfilled; rejected is the abandonment end state.
type State string

const (
	StateProposed    State = "proposed"
	StateNegotiating State = "negotiating"
	StateAgreed      State = "agreed"
	StateFulfilled   State = "fulfilled"
	StateRejected    State = "rejected"
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateFulfilled || s == StateRejected
}

// rank orders the forward path. Rejected is reachable from any live state.
func rank(s State) int {
	switch s {
	case StateProposed:
		return 0
	case StateNegotiating:
		return 1
	case StateAgreed:
		return 2
	case StateFulfilled:
		return 3
	}
	return -1
}

// Contract is a named interface agreement between a producing terminal and
// one or more consuming terminals.
type Contract struct {
	Name       string      `json:"name"`
	Owner      string      `json:"owner"`
	Phase      phase.Phase `json:"phase"` // phase the contract was opened in
	Schema     string      `json:"schema"`
	State      State       `json:"state"`
	Consumers  []string    `json:"consumers,omitempty"` // owner-declared; empty = "any" mode
	Acks       []string    `json:"acks,omitempty"`
	OwnerAcked bool        `json:"owner_acked"`
	Reason     string      `json:"reason,omitempty"` // set on rejection
	ProposedAt time.Time   `json:"proposed_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Version    int         `json:"version"`
}

// Transition moves the contract to the given state, enforcing monotonic
// single-step forward movement. Rejection is allowed from any live state.
func (c *Contract) Transition(to State) error {
	if c.State.IsTerminal() {
		return fmt.Errorf("contract %s is %s: %w", c.Name, c.State, domain.ErrInvalidTransition)
	}
	if to == StateRejected {
		c.State = StateRejected
		return nil
	}
	from, next := rank(c.State), rank(to)
	if next < 0 || next != from+1 {
		return fmt.Errorf("contract %s: %s -> %s: %w", c.Name, c.State, to, domain.ErrInvalidTransition)
	}
	c.State = to
	return nil
}

// Acked reports whether the given terminal has acknowledged the contract.
func (c *Contract) Acked(id string) bool {
	for _, a := range c.Acks {
		if a == id {
			return true
		}
	}
	return false
}

// RecordAck registers an acknowledgment. The owner's ack is tracked
// separately from consumer acks.
func (c *Contract) RecordAck(id string) {
	if id == c.Owner {
		c.OwnerAcked = true
		return
	}
	if !c.Acked(id) {
		c.Acks = append(c.Acks, id)
	}
}

// declaredConsumer reports whether id is in the owner-declared consumer list.
func (c *Contract) declaredConsumer(id string) bool {
	for _, want := range c.Consumers {
		if want == id {
			return true
		}
	}
	return false
}

// ConsumerAcked reports whether the consumer half of the agreement is
// satisfied: any declared consumer has acked. When no consumers were
// declared ("any" mode), any non-owner ack counts.
func (c *Contract) ConsumerAcked() bool {
	if len(c.Consumers) == 0 {
		return len(c.Acks) > 0
	}
	for _, a := range c.Acks {
		if c.declaredConsumer(a) {
			return true
		}
	}
	return false
}

// AgreementSatisfied reports whether both halves have acknowledged.
func (c *Contract) AgreementSatisfied() bool {
	return c.OwnerAcked && c.ConsumerAcked()
}

// Open reports whether the contract is still before agreement.
func (c *Contract) Open() bool {
	return c.State == StateProposed || c.State == StateNegotiating
}

// TimedOut reports whether the contract has been stuck before agreement
// for longer than the negotiation window.
func (c *Contract) TimedOut(now time.Time, window time.Duration) bool {
	return c.Open() && now.Sub(c.ProposedAt) > window
}

// Unresolved returns the contracts opened in the given phase that are not
// yet agreed, fulfilled or rejected.
func Unresolved(contracts []Contract, p phase.Phase) []Contract {
	var out []Contract
	for i := range contracts {
		if contracts[i].Phase == p && contracts[i].Open() {
			out = append(out, contracts[i])
		}
	}
	return out
}
