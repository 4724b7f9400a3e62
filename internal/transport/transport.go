// Package transport moves one evolving state snapshot from a single producer
// to many consumers through the filesystem.
//
// The snapshot file is replaced atomically on every publish and guarded by
// an advisory lock on a sidecar file. The snapshot has no durability of its
// own: it is rebuilt every cycle, so losing it on a crash is acceptable.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hatchling-labs/critter/internal/platform/flock"
	"github.com/hatchling-labs/critter/internal/platform/fsatomic"
	"github.com/hatchling-labs/critter/internal/platform/timeouts"
)

// ErrNoData indicates no usable snapshot was available this cycle. It covers
// a missing file, lock contention, and repeated decode failures alike:
// callers react the same way to all three.
var ErrNoData = errors.New("transport: no data this cycle")

// lockSuffix derives the sidecar lock path from the snapshot path.
const lockSuffix = ".lock"

const (
	// lockAttempts bounds the publisher's wait for the exclusive lock.
	lockAttempts = 5
	// decodeAttempts bounds retries on a torn read.
	decodeAttempts = 3
	// failuresBeforeLog suppresses log storms during producer restarts.
	failuresBeforeLog = 5
)

// Envelope wraps a published payload with freshness metadata.
type Envelope struct {
	UpdatedAt   time.Time       `json:"updated_at"`
	ProducerID  string          `json:"producer_id"`
	ProducerPID int             `json:"producer_pid"`
	Payload     json.RawMessage `json:"payload"`
}

// Age reports how old the envelope is at the given instant.
func (e Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.UpdatedAt)
}

// Stale reports whether the envelope is too old to use.
func (e Envelope) Stale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = timeouts.SnapshotStaleness
	}
	return e.Age(now) >= threshold
}

// Publisher writes snapshots. Exactly one process per deployment should hold
// a Publisher at a time.
type Publisher struct {
	path       string
	lockPath   string
	producerID string
	pid        int
	clock      func() time.Time
}

// NewPublisher creates a publisher for the snapshot file at path. The
// producer id is unique per process instance so consumers can tell a
// restarted producer from a stalled one.
func NewPublisher(path string) *Publisher {
	return &Publisher{
		path:       path,
		lockPath:   path + lockSuffix,
		producerID: uuid.NewString(),
		pid:        os.Getpid(),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (p *Publisher) WithClock(clock func() time.Time) *Publisher {
	p.clock = clock
	return p
}

// ProducerID returns the process-unique producer identifier.
func (p *Publisher) ProducerID() string {
	return p.producerID
}

// Write publishes a payload, fully replacing the previous snapshot.
//
// The exclusive lock is awaited briefly: publishes are frequent but cheap,
// and a consumer's shared lock is only held for the duration of one read.
// All failures come back as errors; the caller decides whether to care.
func (p *Publisher) Write(ctx context.Context, payload json.RawMessage) error {
	if p == nil {
		return fmt.Errorf("publisher is not configured")
	}

	lock, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	envelope := Envelope{
		UpdatedAt:   p.clock().UTC(),
		ProducerID:  p.producerID,
		ProducerPID: p.pid,
		Payload:     payload,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := fsatomic.Write(p.path, raw); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (p *Publisher) acquireLock(ctx context.Context) (*flock.Lock, error) {
	wait := timeouts.SnapshotLockWait / lockAttempts
	for attempt := 0; ; attempt++ {
		lock, err := flock.Acquire(p.lockPath, true, false)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, flock.ErrLocked) {
			return nil, fmt.Errorf("acquire snapshot lock: %w", err)
		}
		if attempt+1 >= lockAttempts {
			return nil, fmt.Errorf("snapshot lock still contended: %w", ErrNoData)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Reader consumes snapshots. Many readers may coexist.
type Reader struct {
	path     string
	lockPath string
	clock    func() time.Time

	consecutiveFailures int
}

// NewReader creates a reader for the snapshot file at path.
func NewReader(path string) *Reader {
	return &Reader{
		path:     path,
		lockPath: path + lockSuffix,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (r *Reader) WithClock(clock func() time.Time) *Reader {
	r.clock = clock
	return r
}

// Read returns the current snapshot envelope.
//
// Reads never wait on the producer: a contended lock gets one short retry,
// then the cycle is given up with ErrNoData so the caller's loop stays
// responsive. Torn reads (possible only through filesystem edge cases, since
// writes are atomic) are retried with doubling backoff. Failures are logged
// only after several consecutive cycles to avoid log storms while the
// producer restarts.
func (r *Reader) Read(ctx context.Context) (Envelope, error) {
	if r == nil {
		return Envelope{}, fmt.Errorf("reader is not configured")
	}
	envelope, err := r.read(ctx)
	if err != nil {
		r.consecutiveFailures++
		if r.consecutiveFailures == failuresBeforeLog {
			log.Printf("snapshot read failing (%d cycles): %v", r.consecutiveFailures, err)
		}
		return Envelope{}, err
	}
	r.consecutiveFailures = 0
	return envelope, nil
}

func (r *Reader) read(ctx context.Context) (Envelope, error) {
	lock, err := r.acquireShared(ctx)
	if err != nil {
		return Envelope{}, err
	}
	defer func() {
		_ = lock.Release()
	}()

	backoff := timeouts.SnapshotReadRetry
	var lastErr error
	for attempt := 0; attempt < decodeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Envelope{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		raw, err := os.ReadFile(r.path)
		if errors.Is(err, os.ErrNotExist) {
			return Envelope{}, ErrNoData
		}
		if err != nil {
			lastErr = err
			continue
		}

		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			lastErr = err
			continue
		}
		return envelope, nil
	}
	return Envelope{}, fmt.Errorf("decode snapshot: %v: %w", lastErr, ErrNoData)
}

func (r *Reader) acquireShared(ctx context.Context) (*flock.Lock, error) {
	lock, err := flock.Acquire(r.lockPath, false, false)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, flock.ErrLocked) {
		return nil, fmt.Errorf("acquire snapshot read lock: %w", err)
	}

	// One short bounded retry, then give up for this cycle.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeouts.SnapshotReadRetry):
	}
	lock, err = flock.Acquire(r.lockPath, false, false)
	if err == nil {
		return lock, nil
	}
	if errors.Is(err, flock.ErrLocked) {
		return nil, fmt.Errorf("snapshot lock contended: %w", ErrNoData)
	}
	return nil, fmt.Errorf("acquire snapshot read lock: %w", err)
}
