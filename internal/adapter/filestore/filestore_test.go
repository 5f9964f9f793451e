package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"swarmgate/internal/domain"
	"swarmgate/internal/domain/contract"
	"swarmgate/internal/domain/event"
	"swarmgate/internal/domain/message"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/task"
	"swarmgate/internal/domain/terminal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := New(t.TempDir(), phase.Build, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestPublish_LastWriteWins(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first := &terminal.Heartbeat{Terminal: "t1", Status: terminal.StatusBuilding, Timestamp: clock.Now()}
	if err := s.Publish(ctx, first); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	clock.Advance(5 * time.Second)
	second := &terminal.Heartbeat{Terminal: "t1", Status: terminal.StatusIdle, Timestamp: clock.Now()}
	if err := s.Publish(ctx, second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// An out-of-order write with the original timestamp must be discarded.
	stale := &terminal.Heartbeat{Terminal: "t1", Status: terminal.StatusStalled, Timestamp: first.Timestamp}
	if err := s.Publish(ctx, stale); err != nil {
		t.Fatalf("Publish stale: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got, ok := snap["t1"]
	if !ok {
		t.Fatal("t1 missing from snapshot")
	}
	if got.Status != terminal.StatusIdle {
		t.Errorf("status = %s, want %s", got.Status, terminal.StatusIdle)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestPublish_ClampsQuality(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	hb := &terminal.Heartbeat{Terminal: "t1", Quality: 1.7, Timestamp: clock.Now()}
	if err := s.Publish(ctx, hb); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if q := snap["t1"].Quality; q != 1 {
		t.Errorf("quality = %v, want 1", q)
	}
}

func seedTasks(t *testing.T, s *Store, tasks ...task.Task) {
	t.Helper()
	if err := s.Seed(context.Background(), tasks); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestClaim_SingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s, task.Task{ID: "only", Phase: phase.Build, Description: "one slot"})

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			got, err := s.Claim(ctx, string(rune('a'+id)), phase.Build)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if got != nil {
				winners <- got.Assignee
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var n int
	for range winners {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want exactly 1", n)
	}
}

func TestClaim_DependencyGating(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s,
		task.Task{ID: "base", Phase: phase.Build, Description: "build the base"},
		task.Task{ID: "top", Phase: phase.Build, Description: "build on top", DependsOn: []string{"base"}},
	)

	got, err := s.Claim(ctx, "t1", phase.Build)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil || got.ID != "base" {
		t.Fatalf("claimed %+v, want base", got)
	}

	// top must stay gated until base is done.
	if blocked, err := s.Claim(ctx, "t2", phase.Build); err != nil || blocked != nil {
		t.Fatalf("Claim gated = (%+v, %v), want (nil, nil)", blocked, err)
	}

	if err := s.Start(ctx, "base", "t1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Complete(ctx, "base", "t1", "artifact"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err = s.Claim(ctx, "t2", phase.Build)
	if err != nil {
		t.Fatalf("Claim after done: %v", err)
	}
	if got == nil || got.ID != "top" {
		t.Fatalf("claimed %+v, want top", got)
	}
}

func TestClaim_IgnoresOtherPhases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s, task.Task{ID: "later", Phase: phase.Test, Description: "verify"})

	if got, err := s.Claim(ctx, "t1", phase.Build); err != nil || got != nil {
		t.Fatalf("Claim = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestTransition_WrongAssignee(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s, task.Task{ID: "x", Phase: phase.Build})

	if _, err := s.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	err := s.Complete(ctx, "x", "t2", "stolen")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Complete by non-assignee = %v, want ErrInvalidTransition", err)
	}
}

func TestFail_RecordsReasonAndBlocksDependents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s,
		task.Task{ID: "a", Phase: phase.Build},
		task.Task{ID: "b", Phase: phase.Build, DependsOn: []string{"a"}},
	)

	if _, err := s.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Fail(ctx, "a", "t1", "compile error"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// A failed dependency never unblocks its dependents.
	if got, err := s.Claim(ctx, "t2", phase.Build); err != nil || got != nil {
		t.Fatalf("Claim after failed dep = (%+v, %v), want (nil, nil)", got, err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if all[0].FailReason != "compile error" {
		t.Errorf("fail reason = %q", all[0].FailReason)
	}
}

func TestRelease_ReturnsToPendingKeepingAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s, task.Task{ID: "w", Phase: phase.Build})

	if _, err := s.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Release(ctx, "w"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := s.Claim(ctx, "t2", phase.Build)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got == nil || got.Assignee != "t2" {
		t.Fatalf("reclaimed = %+v, want assignee t2", got)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestRelease_DoneTaskRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s, task.Task{ID: "d", Phase: phase.Build})

	if _, err := s.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Complete(ctx, "d", "t1", "ok"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Release(ctx, "d"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Release done task = %v, want ErrInvalidTransition", err)
	}
}

func TestContract_ProposeAgreeFulfill(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Propose(ctx, "api-v1", "t2", `{"endpoint":"/parse"}`, phase.Build, []string{"t1"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if c.State != contract.StateProposed || !c.OwnerAcked {
		t.Fatalf("after propose: state=%s ownerAcked=%v", c.State, c.OwnerAcked)
	}

	// The declared consumer agreeing closes the loop; the owner's proposal
	// already counts as its acknowledgment.
	c, err = s.Agree(ctx, "api-v1", "t1")
	if err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if c.State != contract.StateAgreed {
		t.Fatalf("after consumer agree: state=%s, want agreed", c.State)
	}

	if _, err := s.Fulfill(ctx, "api-v1", "t1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Fulfill by non-owner = %v, want ErrInvalidTransition", err)
	}
	c, err = s.Fulfill(ctx, "api-v1", "t2")
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if c.State != contract.StateFulfilled {
		t.Fatalf("state=%s, want fulfilled", c.State)
	}
}

func TestContract_NegotiateWithdrawsConsumerAcks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Propose(ctx, "schema", "t1", "v1", phase.Integrate, nil); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	c, err := s.Negotiate(ctx, "schema", "t3", "v2")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if c.State != contract.StateNegotiating || c.Schema != "v2" {
		t.Fatalf("after negotiate: state=%s schema=%s", c.State, c.Schema)
	}
	if len(c.Acks) != 0 {
		t.Errorf("consumer acks survived a counter: %v", c.Acks)
	}
	if !c.OwnerAcked {
		t.Error("owner ack must survive a counter")
	}

	// With no declared consumers any non-owner ack completes the agreement.
	c, err = s.Agree(ctx, "schema", "t3")
	if err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if c.State != contract.StateAgreed {
		t.Fatalf("state=%s, want agreed", c.State)
	}
}

func TestContract_DuplicateName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Propose(ctx, "dup", "t1", "v1", phase.Build, nil); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Propose(ctx, "dup", "t2", "v1", phase.Build, nil); !errors.Is(err, contract.ErrDuplicate) {
		t.Fatalf("duplicate propose = %v, want ErrDuplicate", err)
	}

	// A rejected contract frees the name.
	if _, err := s.Reject(ctx, "dup", "superseded"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := s.Propose(ctx, "dup", "t2", "v2", phase.Build, nil); err != nil {
		t.Fatalf("re-propose after reject: %v", err)
	}
}

func TestContract_PrematureFulfill(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Propose(ctx, "early", "t1", "v1", phase.Build, nil); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := s.Fulfill(ctx, "early", "t1"); !errors.Is(err, contract.ErrPremature) {
		t.Fatalf("Fulfill before agreement = %v, want ErrPremature", err)
	}
}

func TestCursor_InitializesToFirstPhase(t *testing.T) {
	s, _ := newTestStore(t)
	cur, err := s.Cursor(context.Background())
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cur.Phase != phase.Build || cur.Version != 1 {
		t.Fatalf("cursor = %+v, want BUILD v1", cur)
	}
}

func TestAdvance_VersionConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cur, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	next, err := s.Advance(ctx, cur, phase.Integrate)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if next.Phase != phase.Integrate || next.Version != cur.Version+1 {
		t.Fatalf("cursor = %+v", next)
	}

	// Advancing again from the stale cursor must lose.
	if _, err := s.Advance(ctx, cur, phase.Test); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale advance = %v, want ErrConflict", err)
	}
}

func sendText(t *testing.T, s *Store, from, to, text string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"text": text})
	msg := &message.Message{From: from, To: to, Payload: payload}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestBus_DirectAndBroadcastDelivery(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	sendText(t, s, "t1", "t2", "direct hello")
	clock.Advance(time.Second)
	sendText(t, s, "t1", message.Broadcast, "to everyone")

	got, err := s.Poll(ctx, "t2")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(got))
	}
	if got[0].To != "t2" || got[1].To != message.Broadcast {
		t.Fatalf("order wrong: %s then %s", got[0].To, got[1].To)
	}

	// Drained: a second poll is empty.
	if again, err := s.Poll(ctx, "t2"); err != nil || len(again) != 0 {
		t.Fatalf("second poll = (%d msgs, %v), want empty", len(again), err)
	}

	// t3 still sees the broadcast.
	got, err = s.Poll(ctx, "t3")
	if err != nil {
		t.Fatalf("Poll t3: %v", err)
	}
	if len(got) != 1 || !got[0].IsBroadcast() {
		t.Fatalf("t3 got %d messages", len(got))
	}
}

func TestBus_RedeliversWhenCursorLost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sendText(t, s, "t1", "t2", "must survive")
	if got, err := s.Poll(ctx, "t2"); err != nil || len(got) != 1 {
		t.Fatalf("first poll = (%d, %v)", len(got), err)
	}

	// Simulate a consumer crash before its cursor write was durable: the
	// message must come back on the next poll.
	if err := os.Remove(s.msgCursorPath("t2")); err != nil {
		t.Fatalf("remove cursor: %v", err)
	}
	got, err := s.Poll(ctx, "t2")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) == "" {
		t.Fatalf("redelivery failed: %d messages", len(got))
	}
}

func TestBus_CompactDropsConsumedBroadcasts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	known := []string{"t1", "t2"}

	sendText(t, s, "t1", message.Broadcast, "old news")
	for _, id := range known {
		if _, err := s.Poll(ctx, id); err != nil {
			t.Fatalf("Poll %s: %v", id, err)
		}
	}
	if err := s.Compact(ctx, known); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	// Nothing is redelivered after the rebase.
	for _, id := range known {
		if got, err := s.Poll(ctx, id); err != nil || len(got) != 0 {
			t.Fatalf("post-compact poll %s = (%d, %v)", id, len(got), err)
		}
	}

	msgs, err := readJSONL(s.inboxPath(broadcastLog))
	if err != nil {
		t.Fatalf("read broadcast log: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("broadcast log still has %d messages", len(msgs))
	}
}

func TestBus_CompactKeepsUnconsumedBroadcasts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sendText(t, s, "t1", message.Broadcast, "unread")
	if _, err := s.Poll(ctx, "t1"); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	// t2 has not polled yet; compaction must keep the message for it.
	if err := s.Compact(ctx, []string{"t1", "t2"}); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	got, err := s.Poll(ctx, "t2")
	if err != nil {
		t.Fatalf("Poll t2: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("t2 got %d messages, want 1", len(got))
	}
}

func TestBus_CompactRetentionWindow(t *testing.T) {
	s, clock := newTestStore(t, WithRetention(time.Minute))
	ctx := context.Background()

	sendText(t, s, "t1", message.Broadcast, "expiring")
	clock.Advance(2 * time.Minute)
	if err := s.Compact(ctx, []string{"t1", "t2"}); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	// Past retention the broadcast is gone even for terminals that never
	// consumed it.
	if got, err := s.Poll(ctx, "t2"); err != nil || len(got) != 0 {
		t.Fatalf("poll after retention = (%d, %v), want empty", len(got), err)
	}
}

func TestAuditLog_AppendAndRecent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	audit := NewAuditLog(s)

	for _, typ := range []event.Type{event.TypePlanCreated, event.TypeTaskClaimed, event.TypePhaseAdvanced} {
		if err := audit.Append(ctx, &event.Event{Type: typ, Subject: "s"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		clock.Advance(time.Second)
	}

	got, err := audit.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != event.TypePhaseAdvanced || got[1].Type != event.TypeTaskClaimed {
		t.Fatalf("order wrong: %s then %s", got[0].Type, got[1].Type)
	}
}

func TestAuditLog_AppendErrorNamesLogFile(t *testing.T) {
	s, _ := newTestStore(t)
	audit := NewAuditLog(s)
	if err := os.RemoveAll(filepath.Join(s.root, auditDir)); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	err := audit.Append(context.Background(), &event.Event{Type: event.TypeTaskClaimed, Subject: "w1"})
	if err == nil {
		t.Fatal("Append succeeded with the audit directory gone")
	}
	// The shared appender serves both inboxes and the audit log; the error
	// must name the file it could not write.
	if !strings.Contains(err.Error(), "log.jsonl") {
		t.Fatalf("err = %v, want the audit log file named", err)
	}
	if strings.Contains(err.Error(), "inbox") {
		t.Fatalf("err = %v, wrongly phrased as an inbox write", err)
	}
}

func TestSeed_IdempotentAcrossRestart(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, s, task.Task{ID: "keep", Phase: phase.Build})

	if _, err := s.Claim(ctx, "t1", phase.Build); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Reseeding the same graph must not reset in-flight work.
	seedTasks(t, s, task.Task{ID: "keep", Phase: phase.Build})

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if all[0].Status != task.StatusClaimed {
		t.Fatalf("status = %s, want claimed", all[0].Status)
	}
}
