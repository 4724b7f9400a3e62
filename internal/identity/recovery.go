package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/hatchling-labs/critter/internal/identity/storage"
)

// RecoverLostTime credits alive time that fell through both clean-sleep and
// heartbeat accounting, by comparing the recorded total against continuous
// time inferred from the observation series.
//
// The correction is strictly additive and only fires when the discrepancy
// exceeds RecoveryThreshold; every correction appends its own audit event.
// Intended to run once, best-effort, after a wake.
func (l *Ledger) RecoverLostTime(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger is not configured")
	}

	ident, err := l.store.Identity(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	times, err := l.store.ObservationTimes(ctx)
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}

	calculated := continuousTime(times, l.cfg.MaxContinuityGap)
	recorded := ident.TotalAlive
	credit := calculated - recorded
	if credit <= l.cfg.RecoveryThreshold {
		return nil
	}

	now := l.clock().UTC()
	if _, err := l.appendEvent(ctx, now, TypeTimeRecovery, TimeRecoveryPayload{
		RecordedSeconds:   recorded.Seconds(),
		CalculatedSeconds: calculated.Seconds(),
		CreditedSeconds:   credit.Seconds(),
	}); err != nil {
		return fmt.Errorf("append recovery event: %w", err)
	}

	ident.TotalAlive = calculated
	if err := l.store.UpdateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	l.logf("recovered %s of alive time (recorded %s, calculated %s)", credit, recorded, calculated)
	return nil
}
