package contract

import (
	"errors"
	"testing"
	"time"

	"swarmgate/internal/domain"
	"swarmgate/internal/domain/phase"
)

func TestTransition_ForwardStepsOnly(t *testing.T) {
	c := Contract{Name: "api", State: StateProposed}

	if err := c.Transition(StateAgreed); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("proposed -> agreed = %v, want invalid transition", err)
	}
	if err := c.Transition(StateNegotiating); err != nil {
		t.Fatalf("proposed -> negotiating: %v", err)
	}
	if err := c.Transition(StateAgreed); err != nil {
		t.Fatalf("negotiating -> agreed: %v", err)
	}
	if err := c.Transition(StateNegotiating); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("agreed -> negotiating = %v, want invalid transition", err)
	}
	if err := c.Transition(StateFulfilled); err != nil {
		t.Fatalf("agreed -> fulfilled: %v", err)
	}
	if err := c.Transition(StateRejected); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("fulfilled -> rejected = %v, want invalid transition", err)
	}
}

func TestTransition_RejectedFromAnyLiveState(t *testing.T) {
	for _, from := range []State{StateProposed, StateNegotiating, StateAgreed} {
		c := Contract{Name: "api", State: from}
		if err := c.Transition(StateRejected); err != nil {
			t.Errorf("%s -> rejected: %v", from, err)
		}
	}
	dead := Contract{Name: "api", State: StateRejected}
	if err := dead.Transition(StateRejected); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("rejected -> rejected = %v, want invalid transition", err)
	}
}

func TestAgreementSatisfied_DeclaredConsumers(t *testing.T) {
	c := Contract{Name: "api", Owner: "t1", Consumers: []string{"t2", "t3"}}

	c.RecordAck("t1")
	if c.AgreementSatisfied() {
		t.Fatal("owner ack alone must not satisfy the agreement")
	}
	// An ack from a terminal the owner never declared does not count.
	c.RecordAck("t9")
	if c.AgreementSatisfied() {
		t.Fatal("undeclared consumer ack must not satisfy the agreement")
	}
	c.RecordAck("t2")
	if !c.AgreementSatisfied() {
		t.Fatal("owner plus declared consumer must satisfy the agreement")
	}
}

func TestAgreementSatisfied_AnyMode(t *testing.T) {
	c := Contract{Name: "api", Owner: "t1"}
	c.RecordAck("t1")
	c.RecordAck("t5")
	if !c.AgreementSatisfied() {
		t.Fatal("with no declared consumers, any non-owner ack counts")
	}
}

func TestRecordAck_OwnerTrackedSeparately(t *testing.T) {
	c := Contract{Name: "api", Owner: "t1"}
	c.RecordAck("t1")
	c.RecordAck("t2")
	c.RecordAck("t2")
	if !c.OwnerAcked {
		t.Error("owner ack not recorded")
	}
	if len(c.Acks) != 1 {
		t.Errorf("acks = %v, want a single deduplicated consumer ack", c.Acks)
	}
}

func TestTimedOut_OnlyWhileOpen(t *testing.T) {
	now := time.Now()
	window := 5 * time.Minute

	open := Contract{State: StateNegotiating, ProposedAt: now.Add(-10 * time.Minute)}
	if !open.TimedOut(now, window) {
		t.Error("open contract past the window must time out")
	}
	fresh := Contract{State: StateProposed, ProposedAt: now.Add(-time.Minute)}
	if fresh.TimedOut(now, window) {
		t.Error("contract within the window must not time out")
	}
	agreed := Contract{State: StateAgreed, ProposedAt: now.Add(-10 * time.Minute)}
	if agreed.TimedOut(now, window) {
		t.Error("agreed contract never times out")
	}
}

func TestUnresolved_FiltersOpenByPhase(t *testing.T) {
	contracts := []Contract{
		{Name: "a", Phase: phase.Build, State: StateProposed},
		{Name: "b", Phase: phase.Build, State: StateAgreed},
		{Name: "c", Phase: phase.Integrate, State: StateNegotiating},
		{Name: "d", Phase: phase.Build, State: StateRejected},
	}
	got := Unresolved(contracts, phase.Build)
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("Unresolved = %+v, want [a]", got)
	}
}
