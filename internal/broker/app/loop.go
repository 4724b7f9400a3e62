package app

import (
	"context"
	"log"
	"time"

	"github.com/hatchling-labs/critter/internal/identity"
	"github.com/hatchling-labs/critter/internal/observations"
	"github.com/hatchling-labs/critter/internal/transport"
)

// Config controls the publish loop cadence.
type Config struct {
	// PublishInterval is the snapshot publish cadence.
	PublishInterval time.Duration
	// ObservationInterval is the spacing of gap-recovery observations.
	ObservationInterval time.Duration
}

const (
	defaultPublishInterval     = 250 * time.Millisecond
	defaultObservationInterval = 10 * time.Second
)

func (c Config) normalized() Config {
	if c.PublishInterval <= 0 {
		c.PublishInterval = defaultPublishInterval
	}
	if c.ObservationInterval <= 0 {
		c.ObservationInterval = defaultObservationInterval
	}
	return c
}

// Loop is the broker's publish cycle: sample, publish, heartbeat, observe.
type Loop struct {
	cfg       Config
	ledger    *identity.Ledger
	publisher *transport.Publisher
	recorder  *observations.Recorder
	sampler   Sampler
	clock     func() time.Time

	lastObservation time.Time
	publishFailing  bool
}

// New assembles a publish loop. A nil sampler falls back to ledger vitals.
func New(ledger *identity.Ledger, publisher *transport.Publisher, recorder *observations.Recorder, sampler Sampler, cfg Config) *Loop {
	if sampler == nil {
		sampler = newVitalsSampler(ledger)
	}
	return &Loop{
		cfg:       cfg.normalized(),
		ledger:    ledger,
		publisher: publisher,
		recorder:  recorder,
		sampler:   sampler,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

// Run drives the publish cycle until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one publish cycle. Every failure inside a cycle is absorbed:
// the broker's liveness never depends on a single publish succeeding.
func (l *Loop) Tick(ctx context.Context) {
	payload, err := l.sampler.Sample(ctx)
	if err != nil {
		log.Printf("sample state: %v", err)
	} else if err := l.publisher.Write(ctx, payload); err != nil {
		if !l.publishFailing {
			log.Printf("publish snapshot: %v", err)
			l.publishFailing = true
		}
	} else if l.publishFailing {
		log.Printf("publish snapshot recovered")
		l.publishFailing = false
	}

	if err := l.ledger.Heartbeat(ctx); err != nil {
		log.Printf("heartbeat: %v", err)
	}

	now := l.clock()
	if l.lastObservation.IsZero() || now.Sub(l.lastObservation) >= l.cfg.ObservationInterval {
		l.lastObservation = now
		if err := l.recorder.Record(ctx, observations.KindVitals, map[string]string{"source": "broker"}); err != nil {
			log.Printf("record observation: %v", err)
		}
	}
}
