// Package phase defines the globally ordered delivery phases and the
// phase-advance blocker report.
package phase

import (
	"fmt"
	"strings"
	"time"
)

// Phase is one stage in the globally ordered delivery pipeline.
type Phase string

const (
	Build     Phase = "BUILD"
	Integrate Phase = "INTEGRATE"
	Test      Phase = "TEST"

	// Complete is the terminal pseudo-phase reached after the last
	// configured phase's exit conditions are met.
	Complete Phase = "COMPLETE"
)

// DefaultOrder returns the default phase ordering.
func DefaultOrder() []Phase {
	return []Phase{Build, Integrate, Test}
}

// FromStrings converts configured phase names to Phases. Names are
// case-insensitive; ordering is preserved.
func FromStrings(names []string) []Phase {
	out := make([]Phase, 0, len(names))
	for _, n := range names {
		out = append(out, Phase(strings.ToUpper(strings.TrimSpace(n))))
	}
	return out
}

// Index returns the position of p in order, or -1 if p is not present.
func Index(order []Phase, p Phase) int {
	for i := range order {
		if order[i] == p {
			return i
		}
	}
	return -1
}

// Next returns the phase following p in order. The second return is false
// when p is the last configured phase; the successor is then Complete.
func Next(order []Phase, p Phase) (Phase, bool) {
	i := Index(order, p)
	if i < 0 || i+1 >= len(order) {
		return Complete, false
	}
	return order[i+1], true
}

// Cursor is the single global phase cursor. Only the coordinator may
// advance it; the version guards against concurrent cursor writes.
type Cursor struct {
	Phase     Phase     `json:"phase"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlockerKind classifies why a phase cannot advance.
type BlockerKind string

const (
	BlockerStalledTerminal    BlockerKind = "stalled_terminal"
	BlockerTerminatedTerminal BlockerKind = "terminated_terminal"
	BlockerNotReady           BlockerKind = "terminal_not_ready"
	BlockerUnresolvedTask     BlockerKind = "unresolved_task"
	BlockerFailedTask         BlockerKind = "failed_task"
	BlockerOpenContract       BlockerKind = "open_contract"
	BlockerContractTimeout    BlockerKind = "contract_timeout"
)

// Blocker is a single condition preventing phase advance.
type Blocker struct {
	Kind    BlockerKind `json:"kind"`
	Subject string      `json:"subject"` // terminal id, task id or contract name
	Detail  string      `json:"detail,omitempty"`
}

// Report aggregates every blocking condition observed in one coordinator
// poll. The coordinator surfaces the whole picture at once instead of
// failing fast on the first blocker.
type Report struct {
	Phase       Phase     `json:"phase"`
	Blockers    []Blocker `json:"blockers"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Blocked reports whether any blocker is present.
func (r *Report) Blocked() bool {
	return len(r.Blockers) > 0
}

// Has reports whether the report contains a blocker of the given kind.
func (r *Report) Has(kind BlockerKind) bool {
	for i := range r.Blockers {
		if r.Blockers[i].Kind == kind {
			return true
		}
	}
	return false
}

// Render formats the report as a human-readable multi-line block.
func (r *Report) Render() string {
	if !r.Blocked() {
		return fmt.Sprintf("phase %s: no blockers", r.Phase)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "phase %s blocked by %d condition(s):\n", r.Phase, len(r.Blockers))
	for i := range r.Blockers {
		bl := &r.Blockers[i]
		fmt.Fprintf(&b, "  - [%s] %s", bl.Kind, bl.Subject)
		if bl.Detail != "" {
			fmt.Fprintf(&b, ": %s", bl.Detail)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
