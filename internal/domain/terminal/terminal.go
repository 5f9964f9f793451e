// Package terminal defines the Terminal worker entity and its heartbeat record.
package terminal

import (
	"time"

	"swarmgate/internal/domain/phase"
)

// Status represents the self-reported or supervisor-assigned state of a terminal.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBuilding   Status = "building"
	StatusVerifying  Status = "verifying"
	StatusDirecting  Status = "directing"
	StatusStalled    Status = "stalled"
	StatusTerminated Status = "terminated"
)

// Live reports whether the terminal still participates in the run.
// Terminated terminals are excluded from the phase-readiness quorum for good.
func (s Status) Live() bool {
	return s != StatusTerminated
}

// Heartbeat is the latest self-reported status record of one terminal.
// It is mutated only by the terminal's own publish and by the supervisor's
// lifecycle transitions; last-write-wins by timestamp.
type Heartbeat struct {
	Terminal    string      `json:"terminal"`
	Role        string      `json:"role"`
	Status      Status      `json:"status"`
	Phase       phase.Phase `json:"phase"`
	CurrentWork string      `json:"current_work,omitempty"`
	TaskID      string      `json:"task_id,omitempty"`
	Quality     float64     `json:"quality"`
	Needs       []string    `json:"needs,omitempty"`
	Offers      []string    `json:"offers,omitempty"`
	Ready       bool        `json:"ready"`
	Timestamp   time.Time   `json:"timestamp"`
	Version     int         `json:"version"`
}

// Normalize clamps the quality score into [0, 1]. Scores are recorded as
// reported otherwise; monotonicity is expected but not enforced.
func (h *Heartbeat) Normalize() {
	if h.Quality < 0 {
		h.Quality = 0
	}
	if h.Quality > 1 {
		h.Quality = 1
	}
}

// Stale reports whether the heartbeat is older than factor times the
// expected interval at the given instant. Stalled terminals drop out of the
// readiness quorum but remain visible for operator diagnosis, and are
// reinstated automatically once they heartbeat again.
func (h *Heartbeat) Stale(now time.Time, interval time.Duration, factor float64) bool {
	if h.Status == StatusTerminated {
		return false
	}
	window := time.Duration(float64(interval) * factor)
	return now.Sub(h.Timestamp) > window
}

// QuorumMember reports whether the terminal counts toward the
// phase-readiness quorum at the given instant.
func (h *Heartbeat) QuorumMember(now time.Time, interval time.Duration, factor float64) bool {
	return h.Status.Live() && !h.Stale(now, interval, factor)
}

// ReadyFor reports whether the terminal has signaled readiness to leave the
// given phase.
func (h *Heartbeat) ReadyFor(p phase.Phase) bool {
	return h.Ready && h.Phase == p
}
