// Package identity maintains the creature's crash-resilient identity and
// uptime ledger.
//
// The append-only lifecycle log is the sole source of truth: counters are
// recomputed from the full event history on every wake, with the last
// persisted value used strictly as a floor, never an override. That keeps
// total alive time monotonically non-decreasing across arbitrary crashes.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hatchling-labs/critter/internal/identity/storage"
	"github.com/hatchling-labs/critter/internal/platform/id"
)

// Config holds the tunable windows of the ledger. The defaults are heuristic
// rather than derived; deployments may adjust them.
type Config struct {
	// DedupeWindow bounds how soon after a previous wake a new wake call is
	// treated as a crash restart rather than a new awakening.
	DedupeWindow time.Duration
	// HeartbeatInterval is the minimum spacing between durability
	// checkpoints, and the worst-case alive-time loss on an unclean crash.
	HeartbeatInterval time.Duration
	// MaxContinuityGap is the largest gap between two observations that
	// still counts as continuous operation during gap recovery.
	MaxContinuityGap time.Duration
	// RecoveryThreshold is the minimum discrepancy before gap recovery
	// credits anything, to avoid noise-driven churn.
	RecoveryThreshold time.Duration
}

// DefaultConfig returns the standard ledger windows.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:      5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxContinuityGap:  30 * time.Second,
		RecoveryThreshold: time.Minute,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = def.DedupeWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MaxContinuityGap <= 0 {
		c.MaxContinuityGap = def.MaxContinuityGap
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = def.RecoveryThreshold
	}
	return c
}

// NameChange is one entry in the creature's rename history.
type NameChange struct {
	From      string
	To        string
	ChangedAt time.Time
}

// Snapshot is the derived view of the identity ledger.
type Snapshot struct {
	CreatureID       string
	BornAt           time.Time
	Name             string
	NameHistory      []NameChange
	TotalAwakenings  int64
	TotalAlive       time.Duration
	SessionStartedAt time.Time
	LastCheckpointAt time.Time
}

// Ledger serializes lifecycle bookkeeping over a durable store.
//
// Exactly one broker process is expected to drive writes; cross-process
// serialization relies on the store's own transactional boundaries.
type Ledger struct {
	store     storage.Store
	cfg       Config
	clock     func() time.Time
	propagate func(ctx context.Context, creatureID, name string) error
	logf      func(format string, args ...any)
}

// NewLedger creates a ledger over the given store.
func NewLedger(store storage.Store, cfg Config) *Ledger {
	return &Ledger{
		store: store,
		cfg:   cfg.normalized(),
		clock: time.Now,
		logf:  func(string, ...any) {},
	}
}

// WithClock overrides the clock for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogf routes the ledger's operational messages.
func (l *Ledger) WithLogf(logf func(format string, args ...any)) *Ledger {
	if logf != nil {
		l.logf = logf
	}
	return l
}

// WithNamePropagator installs a best-effort hook invoked after a rename.
// Propagation failures are logged and never fail the local update.
func (l *Ledger) WithNamePropagator(propagate func(ctx context.Context, creatureID, name string) error) *Ledger {
	l.propagate = propagate
	return l
}

// Wake opens an awakening, creating the identity on first-ever call.
//
// A wake arriving within DedupeWindow of the previous wake is a crash
// restart: no new wake event is appended and the awakening counter does not
// grow, but the session and checkpoint markers still reset. Counters are
// recomputed from the full event history either way.
func (l *Ledger) Wake(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger is not configured")
	}
	now := l.clock().UTC()

	ident, err := l.store.Identity(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return l.birth(ctx, now)
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	lastWake, err := l.store.LastEventOfType(ctx, string(TypeWake))
	switch {
	case err == nil && now.Sub(lastWake.Timestamp) < l.cfg.DedupeWindow:
		// Crash restart within the same awakening.
	case err == nil || errors.Is(err, storage.ErrNotFound):
		if _, err := l.appendEvent(ctx, now, TypeWake, WakePayload{}); err != nil {
			return fmt.Errorf("append wake event: %w", err)
		}
	default:
		return fmt.Errorf("load last wake: %w", err)
	}

	events, err := l.store.Events(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	ident.TotalAwakenings = recomputeAwakenings(events, l.cfg.DedupeWindow)
	ident.TotalAlive = recomputeAlive(events, ident.TotalAlive)
	ident.SessionStartedAt = now
	ident.LastCheckpointAt = time.Time{}

	if err := l.store.UpdateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

func (l *Ledger) birth(ctx context.Context, now time.Time) error {
	creatureID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("generate creature id: %w", err)
	}
	ident := storage.IdentityRecord{
		CreatureID:       creatureID,
		BornAt:           now,
		TotalAwakenings:  1,
		SessionStartedAt: now,
	}
	if err := l.store.CreateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	if _, err := l.appendEvent(ctx, now, TypeWake, WakePayload{Birth: true}); err != nil {
		return fmt.Errorf("append birth wake event: %w", err)
	}
	l.logf("creature born: %s", creatureID)
	return nil
}

// Sleep closes the open session, credits the time since the last checkpoint,
// and appends a sleep event carrying the full session duration. It is a
// no-op when no session is open.
func (l *Ledger) Sleep(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger is not configured")
	}
	now := l.clock().UTC()

	ident, err := l.store.Identity(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if ident.SessionStartedAt.IsZero() {
		return nil
	}

	// The checkpoint marks time already flushed; only credit the remainder.
	checkpoint := ident.LastCheckpointAt
	if checkpoint.IsZero() {
		checkpoint = ident.SessionStartedAt
	}
	elapsed := now.Sub(checkpoint)
	if elapsed < 0 {
		elapsed = 0
	}
	session := now.Sub(ident.SessionStartedAt)
	if session < 0 {
		session = 0
	}

	if _, err := l.appendEvent(ctx, now, TypeSleep, SleepPayload{SessionSeconds: session.Seconds()}); err != nil {
		return fmt.Errorf("append sleep event: %w", err)
	}

	ident.TotalAlive += elapsed
	ident.SessionStartedAt = time.Time{}
	ident.LastCheckpointAt = time.Time{}
	if err := l.store.UpdateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// Heartbeat flushes elapsed session time to durable storage. Safe to call
// every cycle: it is a no-op until HeartbeatInterval has passed since the
// last checkpoint (or session start). An unclean crash therefore loses at
// most HeartbeatInterval of alive time.
func (l *Ledger) Heartbeat(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger is not configured")
	}
	now := l.clock().UTC()

	ident, err := l.store.Identity(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if ident.SessionStartedAt.IsZero() {
		return nil
	}

	checkpoint := ident.LastCheckpointAt
	if checkpoint.IsZero() {
		checkpoint = ident.SessionStartedAt
	}
	elapsed := now.Sub(checkpoint)
	if elapsed < l.cfg.HeartbeatInterval {
		return nil
	}

	ident.TotalAlive += elapsed
	ident.LastCheckpointAt = now
	if _, err := l.appendEvent(ctx, now, TypeHeartbeat, HeartbeatPayload{
		ElapsedSeconds:    elapsed.Seconds(),
		TotalAliveSeconds: ident.TotalAlive.Seconds(),
	}); err != nil {
		return fmt.Errorf("append heartbeat event: %w", err)
	}
	if err := l.store.UpdateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// SetName renames the creature and appends a name-changed event. External
// propagation, when configured, is best-effort.
func (l *Ledger) SetName(ctx context.Context, name string) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger is not configured")
	}
	now := l.clock().UTC()

	ident, err := l.store.Identity(ctx)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	if _, err := l.appendEvent(ctx, now, TypeNameChanged, NameChangedPayload{From: ident.Name, To: name}); err != nil {
		return fmt.Errorf("append name event: %w", err)
	}
	ident.Name = name
	if err := l.store.UpdateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}

	if l.propagate != nil {
		if err := l.propagate(ctx, ident.CreatureID, name); err != nil {
			l.logf("propagate name %q: %v", name, err)
		}
	}
	return nil
}

// Snapshot assembles the derived identity view, including the rename history
// reconstructed from name-changed events.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	if l == nil || l.store == nil {
		return Snapshot{}, fmt.Errorf("ledger is not configured")
	}

	ident, err := l.store.Identity(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load identity: %w", err)
	}

	events, err := l.store.EventsByType(ctx, string(TypeNameChanged))
	if err != nil {
		return Snapshot{}, fmt.Errorf("load name events: %w", err)
	}
	history := make([]NameChange, 0, len(events))
	for _, evt := range events {
		var payload NameChangedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		history = append(history, NameChange{From: payload.From, To: payload.To, ChangedAt: evt.Timestamp})
	}

	return Snapshot{
		CreatureID:       ident.CreatureID,
		BornAt:           ident.BornAt,
		Name:             ident.Name,
		NameHistory:      history,
		TotalAwakenings:  ident.TotalAwakenings,
		TotalAlive:       ident.TotalAlive,
		SessionStartedAt: ident.SessionStartedAt,
		LastCheckpointAt: ident.LastCheckpointAt,
	}, nil
}

func (l *Ledger) appendEvent(ctx context.Context, now time.Time, eventType EventType, payload any) (storage.EventRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	return l.store.AppendEvent(ctx, storage.EventRecord{
		Timestamp: now,
		Type:      string(eventType),
		Payload:   raw,
	})
}

// recomputeAwakenings derives the awakening count from the full history. A
// wake counts only when it is the first ever, or when the latest preceding
// sleep happened within the dedupe window; anything else was a process
// restart inside an existing awakening.
func recomputeAwakenings(events []storage.EventRecord, window time.Duration) int64 {
	var count int64
	seenWake := false
	var lastSleep time.Time
	for _, evt := range events {
		switch EventType(evt.Type) {
		case TypeSleep:
			lastSleep = evt.Timestamp
		case TypeWake:
			if !seenWake {
				seenWake = true
				count++
				continue
			}
			if !lastSleep.IsZero() && evt.Timestamp.Sub(lastSleep) <= window {
				count++
			}
		}
	}
	return count
}

// recomputeAlive sums session durations recorded by clean sleep events and
// max-merges with the persisted floor. The floor keeps heartbeat-accumulated
// progress from sessions that crashed without a sleep event.
func recomputeAlive(events []storage.EventRecord, floor time.Duration) time.Duration {
	var total time.Duration
	for _, evt := range events {
		if EventType(evt.Type) != TypeSleep {
			continue
		}
		var payload SleepPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			continue
		}
		if payload.SessionSeconds > 0 {
			total += time.Duration(payload.SessionSeconds * float64(time.Second))
		}
	}
	if floor > total {
		return floor
	}
	return total
}

// continuousTime sums inter-sample gaps no larger than maxGap. Larger gaps
// indicate genuine downtime rather than jitter and contribute nothing.
func continuousTime(times []time.Time, maxGap time.Duration) time.Duration {
	if len(times) < 2 {
		return 0
	}
	sorted := make([]time.Time, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var total time.Duration
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Sub(sorted[i-1])
		if gap > 0 && gap <= maxGap {
			total += gap
		}
	}
	return total
}
