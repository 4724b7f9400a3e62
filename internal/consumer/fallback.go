// Package consumer decides, per read cycle, whether a consumer should trust
// the transport snapshot or take its own direct path to the data.
package consumer

import (
	"log"
	"time"

	"github.com/hatchling-labs/critter/internal/platform/timeouts"
	"github.com/hatchling-labs/critter/internal/transport"
	"golang.org/x/sys/unix"
)

// Reason explains a fallback decision.
type Reason string

const (
	// ReasonFresh means the snapshot is present and young enough to use.
	ReasonFresh Reason = "fresh"
	// ReasonForcedDirect means the caller owns the producer's resource and
	// bypasses the snapshot to avoid contention.
	ReasonForcedDirect Reason = "forced-direct"
	// ReasonNoData means no snapshot could be read this cycle.
	ReasonNoData Reason = "no-data"
	// ReasonStaleProducerAlive means the snapshot is stale but its producer
	// still runs; it is likely wedged or between restarts.
	ReasonStaleProducerAlive Reason = "stale-producer-alive"
	// ReasonStaleProducerGone means the snapshot is stale and its producer
	// is no longer running.
	ReasonStaleProducerGone Reason = "stale-producer-gone"
)

// Decision is the outcome of one read cycle.
type Decision struct {
	// UseSnapshot reports whether the transport payload should be used.
	// When false the caller takes the direct path it already knows.
	UseSnapshot bool
	Reason      Reason
	Age         time.Duration
}

// Policy evaluates snapshot freshness and producer liveness.
//
// The zero value is not usable; construct with NewPolicy.
type Policy struct {
	// StalenessThreshold overrides the default maximum snapshot age.
	StalenessThreshold time.Duration
	// ForceDirect unconditionally bypasses the snapshot. Used when the
	// consumer itself owns the hardware the producer would otherwise own.
	ForceDirect bool
	// LogInterval caps fallback logging to once per interval.
	LogInterval time.Duration

	alive     func(pid int) bool
	clock     func() time.Time
	lastLogAt time.Time
}

// NewPolicy creates a policy with the shared staleness default and a
// signal-0 process liveness probe.
func NewPolicy() *Policy {
	return &Policy{
		StalenessThreshold: timeouts.SnapshotStaleness,
		LogInterval:        time.Minute,
		alive:              processAlive,
		clock:              time.Now,
	}
}

// WithClock overrides the clock for tests.
func (p *Policy) WithClock(clock func() time.Time) *Policy {
	p.clock = clock
	return p
}

// WithLivenessProbe overrides the producer liveness check for tests.
func (p *Policy) WithLivenessProbe(alive func(pid int) bool) *Policy {
	p.alive = alive
	return p
}

// Decide evaluates one read cycle's result.
func (p *Policy) Decide(envelope transport.Envelope, readErr error) Decision {
	if p.ForceDirect {
		return Decision{Reason: ReasonForcedDirect}
	}
	if readErr != nil {
		p.logOnce("no snapshot available, using direct path: %v", readErr)
		return Decision{Reason: ReasonNoData}
	}

	now := p.clock().UTC()
	age := envelope.Age(now)
	if !envelope.Stale(now, p.StalenessThreshold) {
		return Decision{UseSnapshot: true, Reason: ReasonFresh, Age: age}
	}

	if p.alive != nil && p.alive(envelope.ProducerPID) {
		p.logOnce("snapshot stale (%s) but producer pid %d is alive, using direct path", age, envelope.ProducerPID)
		return Decision{Reason: ReasonStaleProducerAlive, Age: age}
	}
	p.logOnce("snapshot stale (%s) and producer pid %d is gone, using direct path", age, envelope.ProducerPID)
	return Decision{Reason: ReasonStaleProducerGone, Age: age}
}

func (p *Policy) logOnce(format string, args ...any) {
	if p.LogInterval <= 0 {
		return
	}
	now := p.clock()
	if !p.lastLogAt.IsZero() && now.Sub(p.lastLogAt) < p.LogInterval {
		return
	}
	p.lastLogAt = now
	log.Printf(format, args...)
}

// processAlive reports whether a process with the given pid exists, using
// the null signal. An EPERM answer still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
