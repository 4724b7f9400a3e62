// Package storage defines persistence interfaces and records for the
// lifecycle ledger. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// EventRecord is one immutable entry in the append-only lifecycle log.
type EventRecord struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Payload   []byte
}

// IdentityRecord is the single-row cache of derived lifecycle counters plus
// the immutable birth fields. Counters are always reconstructable from the
// event log; TotalAlive here acts only as a floor during recompute.
type IdentityRecord struct {
	CreatureID       string
	BornAt           time.Time
	Name             string
	TotalAwakenings  int64
	TotalAlive       time.Duration
	SessionStartedAt time.Time // zero when no session is open
	LastCheckpointAt time.Time // zero when no checkpoint was taken this session
}

// ObservationRecord is one sample in the secondary continuous time series
// used by gap recovery.
type ObservationRecord struct {
	ID         int64
	ObservedAt time.Time
	Kind       string
	Payload    []byte
}

// Store persists the lifecycle ledger.
type Store interface {
	// Identity returns the identity row, or ErrNotFound before birth.
	Identity(ctx context.Context) (IdentityRecord, error)
	// CreateIdentity inserts the identity row at birth.
	CreateIdentity(ctx context.Context, record IdentityRecord) error
	// UpdateIdentity replaces the mutable identity fields.
	UpdateIdentity(ctx context.Context, record IdentityRecord) error

	// AppendEvent appends one event in its own transaction and returns it
	// with the assigned id.
	AppendEvent(ctx context.Context, record EventRecord) (EventRecord, error)
	// Events returns all events ordered by timestamp, then id.
	Events(ctx context.Context) ([]EventRecord, error)
	// EventsByType returns events of one type in timestamp order.
	EventsByType(ctx context.Context, eventType string) ([]EventRecord, error)
	// LastEventOfType returns the most recent event of a type, or ErrNotFound.
	LastEventOfType(ctx context.Context, eventType string) (EventRecord, error)

	// AppendObservation appends one observation sample.
	AppendObservation(ctx context.Context, record ObservationRecord) error
	// ObservationTimes returns all observation timestamps in ascending order.
	ObservationTimes(ctx context.Context) ([]time.Time, error)

	Close() error
}
