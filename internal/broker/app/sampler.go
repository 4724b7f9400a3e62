package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatchling-labs/critter/internal/identity"
)

// Sampler produces the payload published on each cycle. The default
// implementation reports ledger vitals; hardware-owning collaborators can
// substitute richer samplers without touching the loop.
type Sampler interface {
	Sample(ctx context.Context) (json.RawMessage, error)
}

// VitalsPayload is the default published payload shape.
type VitalsPayload struct {
	CreatureID           string  `json:"creature_id"`
	Name                 string  `json:"name,omitempty"`
	TotalAwakenings      int64   `json:"total_awakenings"`
	TotalAliveSeconds    float64 `json:"total_alive_seconds"`
	SessionUptimeSeconds float64 `json:"session_uptime_seconds"`
	SampledAt            string  `json:"sampled_at"`
}

type vitalsSampler struct {
	ledger *identity.Ledger
	clock  func() time.Time
}

func newVitalsSampler(ledger *identity.Ledger) *vitalsSampler {
	return &vitalsSampler{ledger: ledger, clock: time.Now}
}

func (s *vitalsSampler) Sample(ctx context.Context) (json.RawMessage, error) {
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger snapshot: %w", err)
	}

	now := s.clock().UTC()
	var uptime time.Duration
	if !snap.SessionStartedAt.IsZero() {
		uptime = now.Sub(snap.SessionStartedAt)
	}

	raw, err := json.Marshal(VitalsPayload{
		CreatureID:           snap.CreatureID,
		Name:                 snap.Name,
		TotalAwakenings:      snap.TotalAwakenings,
		TotalAliveSeconds:    snap.TotalAlive.Seconds(),
		SessionUptimeSeconds: uptime.Seconds(),
		SampledAt:            now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal vitals payload: %w", err)
	}
	return raw, nil
}
