package identity

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hatchling-labs/critter/internal/identity/storage"
	"github.com/hatchling-labs/critter/internal/identity/storage/sqlite"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func openLedger(t *testing.T, clock *fakeClock) (*Ledger, storage.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "critter.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return NewLedger(store, Config{}).WithClock(clock.Now), store
}

func snapshotOf(t *testing.T, ledger *Ledger) Snapshot {
	t.Helper()
	snap, err := ledger.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func TestWakeBirth(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.CreatureID == "" {
		t.Fatal("expected creature id")
	}
	if !snap.BornAt.Equal(clock.Now()) {
		t.Fatalf("born at = %v, want %v", snap.BornAt, clock.Now())
	}
	if snap.TotalAwakenings != 1 {
		t.Fatalf("awakenings = %d, want 1", snap.TotalAwakenings)
	}
	if snap.SessionStartedAt.IsZero() {
		t.Fatal("expected open session")
	}
	if snap.TotalAlive != 0 {
		t.Fatalf("total alive = %v, want 0", snap.TotalAlive)
	}
}

// Scenario: wake at t=0, heartbeat every 30s, crash at t=125 without a sleep
// event, relaunch and wake at t=130. The relaunch must not count as a new
// awakening and the heartbeat-flushed alive time must survive the recompute.
func TestWakeAfterCrashKeepsCounters(t *testing.T) {
	clock := newFakeClock()
	ledger, store := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	for i := 0; i < 4; i++ {
		clock.Advance(30 * time.Second)
		if err := ledger.Heartbeat(ctx); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	// Crash: the process dies at t=125 and a fresh one wakes at t=130.
	clock.Advance(10 * time.Second)
	relaunched := NewLedger(store, Config{}).WithClock(clock.Now)
	if err := relaunched.Wake(ctx); err != nil {
		t.Fatalf("wake after crash: %v", err)
	}

	snap := snapshotOf(t, relaunched)
	if snap.TotalAwakenings != 1 {
		t.Fatalf("awakenings = %d, want 1", snap.TotalAwakenings)
	}
	if snap.TotalAlive < 120*time.Second {
		t.Fatalf("total alive = %v, want >= 120s", snap.TotalAlive)
	}

	wakes, err := store.EventsByType(ctx, string(TypeWake))
	if err != nil {
		t.Fatalf("list wake events: %v", err)
	}
	if len(wakes) != 1 {
		t.Fatalf("expected 1 wake event, got %d", len(wakes))
	}
}

// Scenario: a clean sleep followed by a wake inside the dedupe window counts
// as a genuine new awakening.
func TestWakeAfterCleanSleepCountsAwakening(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	snapAsleep := snapshotOf(t, ledger)
	if snapAsleep.TotalAlive != 10*time.Minute {
		t.Fatalf("total alive = %v, want 10m", snapAsleep.TotalAlive)
	}
	if !snapAsleep.SessionStartedAt.IsZero() {
		t.Fatal("expected closed session after sleep")
	}

	clock.Advance(100 * time.Second)
	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("second wake: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.TotalAwakenings != 2 {
		t.Fatalf("awakenings = %d, want 2", snap.TotalAwakenings)
	}
	if snap.TotalAlive != 10*time.Minute {
		t.Fatalf("total alive = %v, want 10m", snap.TotalAlive)
	}
}

func TestWakeBurstDoesNotInflateAwakenings(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := ledger.Wake(ctx); err != nil {
			t.Fatalf("wake %d: %v", i, err)
		}
		clock.Advance(20 * time.Second)
	}

	snap := snapshotOf(t, ledger)
	if snap.TotalAwakenings != 1 {
		t.Fatalf("awakenings = %d, want 1", snap.TotalAwakenings)
	}
}

func TestAliveTimeNeverRegresses(t *testing.T) {
	clock := newFakeClock()
	ledger, store := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(time.Hour)
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	clock.Advance(time.Minute)
	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("second wake: %v", err)
	}
	clock.Advance(45 * time.Second)
	if err := ledger.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	before := snapshotOf(t, ledger).TotalAlive

	// Simulated crash and relaunch, several times over.
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		relaunched := NewLedger(store, Config{}).WithClock(clock.Now)
		if err := relaunched.Wake(ctx); err != nil {
			t.Fatalf("relaunch wake %d: %v", i, err)
		}
		after := snapshotOf(t, relaunched).TotalAlive
		if after < before {
			t.Fatalf("alive time regressed: %v -> %v", before, after)
		}
		before = after
	}
}

func TestHeartbeatNoopBeforeInterval(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := ledger.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.TotalAlive != 0 {
		t.Fatalf("total alive = %v, want 0", snap.TotalAlive)
	}
	if !snap.LastCheckpointAt.IsZero() {
		t.Fatal("expected no checkpoint yet")
	}
}

func TestHeartbeatAdvancesCheckpoint(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(40 * time.Second)
	if err := ledger.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.TotalAlive != 40*time.Second {
		t.Fatalf("total alive = %v, want 40s", snap.TotalAlive)
	}
	if !snap.LastCheckpointAt.Equal(clock.Now()) {
		t.Fatalf("checkpoint = %v, want %v", snap.LastCheckpointAt, clock.Now())
	}
}

func TestHeartbeatWithoutSessionIsNoop(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	// Before birth.
	if err := ledger.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat before birth: %v", err)
	}

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(time.Minute)
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	clock.Advance(time.Minute)
	if err := ledger.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat after sleep: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.TotalAlive != time.Minute {
		t.Fatalf("total alive = %v, want 1m", snap.TotalAlive)
	}
}

func TestSleepWithoutSessionIsNoop(t *testing.T) {
	clock := newFakeClock()
	ledger, store := openLedger(t, clock)
	ctx := context.Background()

	// Before birth sleep is absorbed entirely.
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("sleep before birth: %v", err)
	}

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(time.Minute)
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("double sleep: %v", err)
	}

	sleeps, err := store.EventsByType(ctx, string(TypeSleep))
	if err != nil {
		t.Fatalf("list sleep events: %v", err)
	}
	if len(sleeps) != 1 {
		t.Fatalf("expected 1 sleep event, got %d", len(sleeps))
	}
}

func TestSleepCreditsOnlySinceCheckpoint(t *testing.T) {
	clock := newFakeClock()
	ledger, store := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := ledger.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(15 * time.Second)
	if err := ledger.Sleep(ctx); err != nil {
		t.Fatalf("sleep: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.TotalAlive != 45*time.Second {
		t.Fatalf("total alive = %v, want 45s (no double count)", snap.TotalAlive)
	}

	sleeps, err := store.EventsByType(ctx, string(TypeSleep))
	if err != nil {
		t.Fatalf("list sleep events: %v", err)
	}
	var payload SleepPayload
	if err := json.Unmarshal(sleeps[0].Payload, &payload); err != nil {
		t.Fatalf("decode sleep payload: %v", err)
	}
	if payload.SessionSeconds != 45 {
		t.Fatalf("session seconds = %v, want 45", payload.SessionSeconds)
	}
}

func TestSetNameRecordsHistory(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}
	if err := ledger.SetName(ctx, "pip"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	clock.Advance(time.Minute)
	if err := ledger.SetName(ctx, "squeak"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	snap := snapshotOf(t, ledger)
	if snap.Name != "squeak" {
		t.Fatalf("name = %q, want squeak", snap.Name)
	}
	if len(snap.NameHistory) != 2 {
		t.Fatalf("history len = %d, want 2", len(snap.NameHistory))
	}
	if snap.NameHistory[1].From != "pip" || snap.NameHistory[1].To != "squeak" {
		t.Fatalf("unexpected history entry: %+v", snap.NameHistory[1])
	}
}

func TestSetNamePropagationFailureIsNotFatal(t *testing.T) {
	clock := newFakeClock()
	ledger, _ := openLedger(t, clock)
	ctx := context.Background()

	if err := ledger.Wake(ctx); err != nil {
		t.Fatalf("wake: %v", err)
	}

	var logged bool
	ledger.WithLogf(func(string, ...any) { logged = true })
	ledger.WithNamePropagator(func(context.Context, string, string) error {
		return context.DeadlineExceeded
	})

	if err := ledger.SetName(ctx, "pip"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if !logged {
		t.Fatal("expected propagation failure to be logged")
	}
	if snapshotOf(t, ledger).Name != "pip" {
		t.Fatal("expected local rename to stick")
	}
}

func TestRecomputeAwakeningsIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sleepPayload := func(seconds float64) []byte {
		raw, _ := json.Marshal(SleepPayload{SessionSeconds: seconds})
		return raw
	}
	events := []storage.EventRecord{
		{Timestamp: base, Type: string(TypeWake)},
		{Timestamp: base.Add(10 * time.Minute), Type: string(TypeSleep), Payload: sleepPayload(600)},
		{Timestamp: base.Add(11 * time.Minute), Type: string(TypeWake)},
		{Timestamp: base.Add(30 * time.Minute), Type: string(TypeWake)}, // crash relaunch
	}

	window := 5 * time.Minute
	first := recomputeAwakenings(events, window)
	second := recomputeAwakenings(events, window)
	if first != second {
		t.Fatalf("recompute not idempotent: %d then %d", first, second)
	}
	if first != 2 {
		t.Fatalf("awakenings = %d, want 2", first)
	}

	aliveFirst := recomputeAlive(events, 0)
	aliveSecond := recomputeAlive(events, aliveFirst)
	if aliveFirst != aliveSecond {
		t.Fatalf("alive recompute not idempotent: %v then %v", aliveFirst, aliveSecond)
	}
	if aliveFirst != 10*time.Minute {
		t.Fatalf("alive = %v, want 10m", aliveFirst)
	}
}

func TestRecomputeAliveUsesFloor(t *testing.T) {
	events := []storage.EventRecord{}
	if got := recomputeAlive(events, 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("alive = %v, want floor 2m", got)
	}
}
