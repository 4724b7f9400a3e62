// Package timeouts defines shared timeout and threshold constants used across
// the broker and consumer processes. Centralizing these values prevents drift
// between processes and makes the durations discoverable.
package timeouts

import "time"

// SnapshotStaleness is the maximum age a published snapshot may have and
// still be considered usable by a consumer.
const SnapshotStaleness = 5 * time.Second

// SnapshotLockWait caps how long a publisher waits for the exclusive
// snapshot lock before giving up the cycle.
const SnapshotLockWait = 100 * time.Millisecond

// SnapshotReadRetry is the base delay between decode retries on a torn
// snapshot read. Each retry doubles it.
const SnapshotReadRetry = 5 * time.Millisecond

// LedgerWriteBusy is the SQLite busy timeout for the broker's writer handle.
// Ledger writes are rare and must succeed.
const LedgerWriteBusy = 5 * time.Second

// LedgerReadBusy is the SQLite busy timeout for consumer read handles.
// Consumers fail fast rather than block a render cycle.
const LedgerReadBusy = 250 * time.Millisecond
