package viewer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
)

func newTestLockManager(t *testing.T, source store.Store, clock *fakeClock, sessionID string) *LockManager {
	t.Helper()
	manager, err := NewLockManager(LockManagerConfig{
		Store:        source,
		Ticket:       "X1",
		SessionID:    sessionID,
		ConnectionID: "conn-" + sessionID,
		Policy:       DefaultPolicy(),
		Clock:        NewServerClock(clock.Now),
	})
	if err != nil {
		t.Fatalf("failed to create lock manager: %v", err)
	}
	if err := manager.Authorize(); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	return manager
}

func mustAcquire(t *testing.T, manager *LockManager, want LockState) {
	t.Helper()
	state, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if state != want {
		t.Fatalf("expected state %s after acquire, got %s", want, state)
	}
}

func TestAcquireConflictsWithFreshForeignLock(t *testing.T) {
	clock := newFakeClock()
	memory := newMemoryStore(t, clock)
	holder := newTestLockManager(t, memory, clock, "session-a")
	mustAcquire(t, holder, LockLocked)

	clock.Advance(10 * time.Second)
	claimant := newTestLockManager(t, memory, clock, "session-b")
	mustAcquire(t, claimant, LockConflicted)

	record, ok := readLock(t, memory, "X1")
	if !ok || record.Owner != "session-a" {
		t.Fatalf("expected lock to stay with session-a, got %+v", record)
	}
	if record.Timestamp != testEpoch.UnixMilli() {
		t.Fatalf("expected untouched timestamp, got %d", record.Timestamp)
	}

	clock.Advance(DefaultHeartbeatInterval)
	state, err := claimant.Heartbeat(context.Background())
	if err != nil || state != LockConflicted {
		t.Fatalf("expected conflicted heartbeat no-op, got %s %v", state, err)
	}
	record, _ = readLock(t, memory, "X1")
	if record.Owner != "session-a" {
		t.Fatalf("conflicted session wrote a competing heartbeat: %+v", record)
	}
}

func TestAcquireReclaimsExpiredLease(t *testing.T) {
	testCases := []struct {
		name    string
		elapsed time.Duration
		want    LockState
	}{
		{name: "within-lease", elapsed: 39 * time.Second, want: LockConflicted},
		{name: "at-lease-boundary", elapsed: 40 * time.Second, want: LockLocked},
		{name: "after-lease", elapsed: 41 * time.Second, want: LockLocked},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			clock := newFakeClock()
			memory := newMemoryStore(t, clock)
			mustAcquire(t, newTestLockManager(t, memory, clock, "session-a"), LockLocked)

			clock.Advance(testCase.elapsed)
			claimant := newTestLockManager(t, memory, clock, "session-b")
			mustAcquire(t, claimant, testCase.want)

			record, _ := readLock(t, memory, "X1")
			wantOwner := "session-a"
			if testCase.want == LockLocked {
				wantOwner = "session-b"
			}
			if record.Owner != wantOwner {
				t.Fatalf("expected owner %s, got %s", wantOwner, record.Owner)
			}
		})
	}
}

func TestForcedTakeoverFlipsPreviousHolderOnHeartbeat(t *testing.T) {
	clock := newFakeClock()
	memory := newMemoryStore(t, clock)
	holder := newTestLockManager(t, memory, clock, "session-a")
	mustAcquire(t, holder, LockLocked)
	claimant := newTestLockManager(t, memory, clock, "session-b")
	mustAcquire(t, claimant, LockConflicted)

	state, err := claimant.ForceTakeover(context.Background())
	if err != nil || state != LockLocked {
		t.Fatalf("expected takeover to lock, got %s %v", state, err)
	}

	clock.Advance(DefaultHeartbeatInterval)
	state, err = holder.Heartbeat(context.Background())
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if state != LockConflicted {
		t.Fatalf("expected previous holder to become conflicted, got %s", state)
	}
	record, _ := readLock(t, memory, "X1")
	if record.Owner != "session-b" {
		t.Fatalf("expected session-b to keep the lock, got %+v", record)
	}
}

func TestTakeoverRequiresConflict(t *testing.T) {
	clock := newFakeClock()
	memory := newMemoryStore(t, clock)
	holder := newTestLockManager(t, memory, clock, "session-a")
	mustAcquire(t, holder, LockLocked)
	if _, err := holder.ForceTakeover(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := holder.Acquire(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second acquire, got %v", err)
	}
}

func TestObserveHandlesForeignRecords(t *testing.T) {
	testCases := []struct {
		name      string
		record    LockRecord
		deleted   bool
		wantState LockState
		wantOwner string
	}{
		{
			name:      "fresh-foreign",
			record:    LockRecord{Owner: "ghost", Timestamp: testEpoch.UnixMilli()},
			wantState: LockConflicted,
			wantOwner: "ghost",
		},
		{
			name:      "stale-foreign",
			record:    LockRecord{Owner: "ghost", Timestamp: testEpoch.Add(-time.Minute).UnixMilli()},
			wantState: LockLocked,
			wantOwner: "session-a",
		},
		{
			name:      "self",
			record:    LockRecord{Owner: "session-a", Timestamp: testEpoch.UnixMilli()},
			wantState: LockLocked,
			wantOwner: "session-a",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			clock := newFakeClock()
			memory := newMemoryStore(t, clock)
			manager := newTestLockManager(t, memory, clock, "session-a")
			mustAcquire(t, manager, LockLocked)

			ctx := context.Background()
			if err := memory.Set(ctx, store.SessionPath("X1"), testCase.record); err != nil {
				t.Fatalf("seed failed: %v", err)
			}
			raw, _ := memory.Get(ctx, store.SessionPath("X1"))
			state, err := manager.Observe(ctx, store.Event{Path: store.SessionPath("X1"), Value: raw})
			if err != nil {
				t.Fatalf("observe failed: %v", err)
			}
			if state != testCase.wantState {
				t.Fatalf("expected %s, got %s", testCase.wantState, state)
			}
			record, _ := readLock(t, memory, "X1")
			if record.Owner != testCase.wantOwner {
				t.Fatalf("expected owner %s, got %s", testCase.wantOwner, record.Owner)
			}
		})
	}
}

func TestObserveIgnoresDeletion(t *testing.T) {
	clock := newFakeClock()
	memory := newMemoryStore(t, clock)
	manager := newTestLockManager(t, memory, clock, "session-a")
	mustAcquire(t, manager, LockLocked)

	state, err := manager.Observe(context.Background(), store.Event{Path: manager.Path(), Deleted: true})
	if err != nil || state != LockLocked {
		t.Fatalf("expected deletion to leave the lock state alone, got %s %v", state, err)
	}
}

func TestReleaseRemovesOnlyOwnLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	memory := newMemoryStore(t, clock)
	holder := newTestLockManager(t, memory, clock, "session-a")
	mustAcquire(t, holder, LockLocked)
	claimant := newTestLockManager(t, memory, clock, "session-b")
	mustAcquire(t, claimant, LockConflicted)
	if _, err := claimant.ForceTakeover(ctx); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}

	if err := holder.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if record, ok := readLock(t, memory, "X1"); !ok || record.Owner != "session-b" {
		t.Fatalf("release by a displaced holder removed the new lock: %+v", record)
	}

	if err := claimant.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, ok := readLock(t, memory, "X1"); ok {
		t.Fatal("expected owner release to remove the lock")
	}
	if claimant.State() != LockUnauthorized {
		t.Fatalf("expected unauthorized after release, got %s", claimant.State())
	}
}

func TestDisconnectOfConflictedHolderKeepsNewLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	memory := newMemoryStore(t, clock)
	holder := newTestLockManager(t, memory, clock, "session-a")
	mustAcquire(t, holder, LockLocked)
	claimant := newTestLockManager(t, memory, clock, "session-b")
	mustAcquire(t, claimant, LockConflicted)
	if _, err := claimant.ForceTakeover(ctx); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if state, _ := holder.Heartbeat(ctx); state != LockConflicted {
		t.Fatalf("expected conflict, got %s", state)
	}

	if err := memory.Disconnect(ctx, "conn-session-a"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if record, ok := readLock(t, memory, "X1"); !ok || record.Owner != "session-b" {
		t.Fatalf("expected session-b lock to survive, got %+v", record)
	}

	if err := memory.Disconnect(ctx, "conn-session-b"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if _, ok := readLock(t, memory, "X1"); ok {
		t.Fatal("expected disconnect hook to remove the lock")
	}
}

func TestHeartbeatFailureIsRetriedNextTick(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	flaky := &flakyStore{Store: newMemoryStore(t, clock)}
	manager := newTestLockManager(t, flaky, clock, "session-a")
	mustAcquire(t, manager, LockLocked)

	flaky.setFailing(true)
	clock.Advance(DefaultHeartbeatInterval)
	state, err := manager.Heartbeat(ctx)
	if !errors.Is(err, errInjectedWrite) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if state != LockLocked {
		t.Fatalf("expected state to survive a failed heartbeat, got %s", state)
	}

	flaky.setFailing(false)
	clock.Advance(DefaultHeartbeatInterval)
	if _, err := manager.Heartbeat(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	record, _ := readLock(t, flaky, "X1")
	if record.Timestamp != clock.Now().UnixMilli() {
		t.Fatalf("expected refreshed timestamp %d, got %d", clock.Now().UnixMilli(), record.Timestamp)
	}
}

func TestNewLockManagerRejectsReservedTicket(t *testing.T) {
	clock := newFakeClock()
	_, err := NewLockManager(LockManagerConfig{Store: newMemoryStore(t, clock), Ticket: "a/b", SessionID: "s"})
	if !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}
