// Package observations records the periodic state samples that form the
// secondary continuous time series consumed by gap recovery.
package observations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatchling-labs/critter/internal/identity/storage"
)

// KindVitals marks the broker's routine per-interval sample.
const KindVitals = "vitals"

// Recorder appends observation samples to the ledger store.
type Recorder struct {
	store storage.Store
	clock func() time.Time
}

// NewRecorder creates a recorder. A nil store yields a recorder whose
// Record is a no-op, so callers need no conditional wiring.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record appends one observation. It is a no-op when no store is configured.
func (r *Recorder) Record(ctx context.Context, kind string, payload any) error {
	if r == nil || r.store == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal observation payload: %w", err)
	}
	return r.store.AppendObservation(ctx, storage.ObservationRecord{
		ObservedAt: r.clock().UTC(),
		Kind:       kind,
		Payload:    raw,
	})
}
