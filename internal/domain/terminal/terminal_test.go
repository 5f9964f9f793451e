package terminal

import (
	"testing"
	"time"

	"swarmgate/internal/domain/phase"
)

func TestStale_WindowIsFactorTimesInterval(t *testing.T) {
	now := time.Now()
	interval := 10 * time.Second

	fresh := Heartbeat{Status: StatusBuilding, Timestamp: now.Add(-15 * time.Second)}
	if fresh.Stale(now, interval, 2) {
		t.Error("heartbeat inside the window reported stale")
	}
	old := Heartbeat{Status: StatusBuilding, Timestamp: now.Add(-25 * time.Second)}
	if !old.Stale(now, interval, 2) {
		t.Error("heartbeat past the window reported fresh")
	}
}

func TestStale_TerminatedNeverStale(t *testing.T) {
	now := time.Now()
	hb := Heartbeat{Status: StatusTerminated, Timestamp: now.Add(-time.Hour)}
	if hb.Stale(now, 10*time.Second, 2) {
		t.Error("terminated terminals are tracked by status, not staleness")
	}
}

func TestQuorumMember(t *testing.T) {
	now := time.Now()
	interval := 10 * time.Second

	live := Heartbeat{Status: StatusIdle, Timestamp: now}
	if !live.QuorumMember(now, interval, 2) {
		t.Error("fresh live terminal excluded from quorum")
	}
	stale := Heartbeat{Status: StatusIdle, Timestamp: now.Add(-time.Minute)}
	if stale.QuorumMember(now, interval, 2) {
		t.Error("stale terminal counted toward quorum")
	}
	dead := Heartbeat{Status: StatusTerminated, Timestamp: now}
	if dead.QuorumMember(now, interval, 2) {
		t.Error("terminated terminal counted toward quorum")
	}
}

func TestReadyFor_RequiresMatchingPhase(t *testing.T) {
	hb := Heartbeat{Ready: true, Phase: phase.Build}
	if !hb.ReadyFor(phase.Build) {
		t.Error("ready terminal in the phase reported not ready")
	}
	if hb.ReadyFor(phase.Integrate) {
		t.Error("readiness must not carry over to another phase")
	}
}

func TestNormalize_ClampsQuality(t *testing.T) {
	hb := Heartbeat{Quality: 1.7}
	hb.Normalize()
	if hb.Quality != 1 {
		t.Errorf("quality = %v, want 1", hb.Quality)
	}
	hb.Quality = -0.2
	hb.Normalize()
	if hb.Quality != 0 {
		t.Errorf("quality = %v, want 0", hb.Quality)
	}
}
