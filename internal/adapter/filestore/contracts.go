package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"swarmgate/internal/domain"
	"swarmgate/internal/domain/contract"
	"swarmgate/internal/domain/phase"
)

func (s *Store) contractPath(name string) string {
	return filepath.Join(s.root, contractDir, name+".json")
}

func (s *Store) readContract(name string) (*contract.Contract, error) {
	var c contract.Contract
	if err := readJSON(s.contractPath(name), &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("filestore: contract %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("filestore: read contract %s: %w", name, err)
	}
	return &c, nil
}

func (s *Store) writeContract(c *contract.Contract) error {
	c.UpdatedAt = s.now().UTC()
	c.Version++
	if err := writeJSONAtomic(s.contractPath(c.Name), c); err != nil {
		return fmt.Errorf("filestore: write contract %s: %w", c.Name, err)
	}
	return nil
}

// Propose creates a contract in state proposed with the owner's ack already
// recorded. A name may only be reused after the previous contract was
// rejected.
func (s *Store) Propose(_ context.Context, name, owner, schema string, p phase.Phase, consumers []string) (*contract.Contract, error) {
	if name == "" || owner == "" {
		return nil, errors.New("filestore: propose: contract name and owner are required")
	}

	lock, err := s.lock("contracts.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	switch prev, err := s.readContract(name); {
	case err == nil:
		if prev.State != contract.StateRejected {
			return nil, fmt.Errorf("filestore: contract %s is %s: %w", name, prev.State, contract.ErrDuplicate)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, err
	}

	c := &contract.Contract{
		Name:       name,
		Owner:      owner,
		Phase:      p,
		Schema:     schema,
		State:      contract.StateProposed,
		Consumers:  consumers,
		OwnerAcked: true,
		ProposedAt: s.now().UTC(),
	}
	if err := s.writeContract(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Negotiate records a counter proposal, moving the contract to negotiating.
// Repeated counters while negotiating just replace the schema.
func (s *Store) Negotiate(_ context.Context, name, consumerID, counter string) (*contract.Contract, error) {
	lock, err := s.lock("contracts.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	c, err := s.readContract(name)
	if err != nil {
		return nil, err
	}
	if c.State != contract.StateNegotiating {
		if err := c.Transition(contract.StateNegotiating); err != nil {
			return nil, fmt.Errorf("filestore: negotiate %s: %w", name, err)
		}
	}
	c.Schema = counter
	// A counter withdraws earlier consumer acknowledgments. The proposal
	// itself still stands as the owner's ack.
	c.Acks = nil
	if err := s.writeContract(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Agree records an acknowledgment. The contract becomes agreed once the
// owner and a consumer have both acknowledged; agreeing straight from
// proposed steps through negotiating implicitly.
func (s *Store) Agree(_ context.Context, name, terminalID string) (*contract.Contract, error) {
	lock, err := s.lock("contracts.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	c, err := s.readContract(name)
	if err != nil {
		return nil, err
	}
	if !c.Open() {
		return nil, fmt.Errorf("filestore: agree %s in state %s: %w", name, c.State, domain.ErrInvalidTransition)
	}
	c.RecordAck(terminalID)
	if c.AgreementSatisfied() {
		if c.State == contract.StateProposed {
			if err := c.Transition(contract.StateNegotiating); err != nil {
				return nil, fmt.Errorf("filestore: agree %s: %w", name, err)
			}
		}
		if err := c.Transition(contract.StateAgreed); err != nil {
			return nil, fmt.Errorf("filestore: agree %s: %w", name, err)
		}
	}
	if err := s.writeContract(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Fulfill moves an agreed contract to fulfilled. Only the owner may fulfill.
func (s *Store) Fulfill(_ context.Context, name, ownerID string) (*contract.Contract, error) {
	lock, err := s.lock("contracts.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	c, err := s.readContract(name)
	if err != nil {
		return nil, err
	}
	if c.Owner != ownerID {
		return nil, fmt.Errorf("filestore: fulfill %s: owned by %q not %q: %w", name, c.Owner, ownerID, domain.ErrInvalidTransition)
	}
	if c.State != contract.StateAgreed {
		return nil, fmt.Errorf("filestore: fulfill %s in state %s: %w", name, c.State, contract.ErrPremature)
	}
	if err := c.Transition(contract.StateFulfilled); err != nil {
		return nil, fmt.Errorf("filestore: fulfill %s: %w", name, err)
	}
	if err := s.writeContract(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Reject abandons a contract from any live state, recording the reason.
func (s *Store) Reject(_ context.Context, name, reason string) (*contract.Contract, error) {
	lock, err := s.lock("contracts.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	c, err := s.readContract(name)
	if err != nil {
		return nil, err
	}
	if err := c.Transition(contract.StateRejected); err != nil {
		return nil, fmt.Errorf("filestore: reject %s: %w", name, err)
	}
	c.Reason = reason
	if err := s.writeContract(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Contracts is the contract-registry view of the store. The task queue and
// the registry both expose a List, so the registry gets its own receiver.
type Contracts struct{ *Store }

// Contracts returns the view implementing statestore.ContractRegistry.
func (s *Store) Contracts() Contracts { return Contracts{s} }

// List returns every contract ordered by proposal time then name.
func (c Contracts) List(_ context.Context) ([]contract.Contract, error) {
	s := c.Store
	lock, err := s.lock("contracts.lock")
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	dir := filepath.Join(s.root, contractDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list contracts: %w", err)
	}
	out := make([]contract.Contract, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var c contract.Contract
		if err := readJSON(filepath.Join(dir, e.Name()), &c); err != nil {
			return nil, fmt.Errorf("filestore: list contracts: %s: %w", e.Name(), err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return out[i].ProposedAt.Before(out[j].ProposedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
