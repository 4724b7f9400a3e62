// Package sqlite implements the lifecycle ledger store over SQLite.
//
// The database uses WAL journaling so the broker and diagnostic consumers
// can open it concurrently. The broker's writer handle waits out short lock
// contention; consumer handles fail fast instead of blocking a render cycle.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hatchling-labs/critter/internal/identity/storage"
	"github.com/hatchling-labs/critter/internal/identity/storage/sqlite/migrations"
	"github.com/hatchling-labs/critter/internal/platform/storage/sqlitemigrate"
	"github.com/hatchling-labs/critter/internal/platform/timeouts"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides SQLite-backed lifecycle ledger persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the ledger store for the broker and applies bundled migrations.
// The writer handle carries a long busy timeout: ledger writes are rare and
// must succeed.
func Open(path string) (*Store, error) {
	return open(path, timeouts.LedgerWriteBusy, true)
}

// OpenReader opens the ledger store for a consumer with a short busy timeout
// so contended reads fail fast. No migrations are applied; the broker owns
// the schema.
func OpenReader(path string) (*Store, error) {
	return open(path, timeouts.LedgerReadBusy, false)
}

func open(path string, busy time.Duration, migrate bool) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=%d&_synchronous=NORMAL", cleanPath, busy.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if migrate {
		if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Identity returns the single identity row, or storage.ErrNotFound.
func (s *Store) Identity(ctx context.Context) (storage.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdentityRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdentityRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT creature_id, born_at, name, total_awakenings, total_alive_ms, session_started_at, last_checkpoint_at
FROM identity
WHERE id = 1;
`)

	var record storage.IdentityRecord
	var bornAt, aliveMillis int64
	var sessionStartedAt, lastCheckpointAt sql.NullInt64
	err := row.Scan(&record.CreatureID, &bornAt, &record.Name, &record.TotalAwakenings, &aliveMillis, &sessionStartedAt, &lastCheckpointAt)
	if err == sql.ErrNoRows {
		return storage.IdentityRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.IdentityRecord{}, fmt.Errorf("scan identity: %w", err)
	}

	record.BornAt = fromMillis(bornAt)
	record.TotalAlive = time.Duration(aliveMillis) * time.Millisecond
	if sessionStartedAt.Valid {
		record.SessionStartedAt = fromMillis(sessionStartedAt.Int64)
	}
	if lastCheckpointAt.Valid {
		record.LastCheckpointAt = fromMillis(lastCheckpointAt.Int64)
	}
	return record, nil
}

// CreateIdentity inserts the identity row at birth.
func (s *Store) CreateIdentity(ctx context.Context, record storage.IdentityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.CreatureID) == "" {
		return fmt.Errorf("creature id is required")
	}
	if record.BornAt.IsZero() {
		return fmt.Errorf("born at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identity (id, creature_id, born_at, name, total_awakenings, total_alive_ms, session_started_at, last_checkpoint_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?);
`,
		record.CreatureID,
		toMillis(record.BornAt),
		record.Name,
		record.TotalAwakenings,
		record.TotalAlive.Milliseconds(),
		nullableMillis(record.SessionStartedAt),
		nullableMillis(record.LastCheckpointAt),
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// UpdateIdentity replaces the mutable identity fields.
func (s *Store) UpdateIdentity(ctx context.Context, record storage.IdentityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identity
SET name = ?, total_awakenings = ?, total_alive_ms = ?, session_started_at = ?, last_checkpoint_at = ?
WHERE id = 1;
`,
		record.Name,
		record.TotalAwakenings,
		record.TotalAlive.Milliseconds(),
		nullableMillis(record.SessionStartedAt),
		nullableMillis(record.LastCheckpointAt),
	)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update identity rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendEvent appends one event row and returns it with the assigned id.
// A single INSERT commits in its own implicit transaction, which is the
// append boundary the ledger relies on.
func (s *Store) AppendEvent(ctx context.Context, record storage.EventRecord) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.Type) == "" {
		return storage.EventRecord{}, fmt.Errorf("event type is required")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	record.Timestamp = record.Timestamp.UTC().Truncate(time.Millisecond)
	if len(record.Payload) == 0 {
		record.Payload = []byte("{}")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO lifecycle_events (timestamp, event_type, payload)
VALUES (?, ?, ?);
`,
		toMillis(record.Timestamp),
		record.Type,
		string(record.Payload),
	)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	record.ID, err = result.LastInsertId()
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("event insert id: %w", err)
	}
	return record, nil
}

// Events returns all events ordered by timestamp, then id.
func (s *Store) Events(ctx context.Context) ([]storage.EventRecord, error) {
	return s.queryEvents(ctx, `
SELECT id, timestamp, event_type, payload
FROM lifecycle_events
ORDER BY timestamp, id;
`)
}

// EventsByType returns events of one type in timestamp order.
func (s *Store) EventsByType(ctx context.Context, eventType string) ([]storage.EventRecord, error) {
	return s.queryEvents(ctx, `
SELECT id, timestamp, event_type, payload
FROM lifecycle_events
WHERE event_type = ?
ORDER BY timestamp, id;
`, eventType)
}

// LastEventOfType returns the most recent event of a type, or storage.ErrNotFound.
func (s *Store) LastEventOfType(ctx context.Context, eventType string) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, timestamp, event_type, payload
FROM lifecycle_events
WHERE event_type = ?
ORDER BY timestamp DESC, id DESC
LIMIT 1;
`, eventType)

	record, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return storage.EventRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	return record, nil
}

// AppendObservation appends one observation sample.
func (s *Store) AppendObservation(ctx context.Context, record storage.ObservationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.Kind) == "" {
		return fmt.Errorf("observation kind is required")
	}
	if record.ObservedAt.IsZero() {
		record.ObservedAt = time.Now().UTC()
	}
	if len(record.Payload) == 0 {
		record.Payload = []byte("{}")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO observations (observed_at, kind, payload)
VALUES (?, ?, ?);
`,
		toMillis(record.ObservedAt),
		record.Kind,
		string(record.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// ObservationTimes returns all observation timestamps in ascending order.
func (s *Store) ObservationTimes(ctx context.Context) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT observed_at
FROM observations
ORDER BY observed_at;
`)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var millis int64
		if err := rows.Scan(&millis); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		times = append(times, fromMillis(millis))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return times, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []storage.EventRecord
	for rows.Next() {
		record, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

func scanEvent(scan func(dest ...any) error) (storage.EventRecord, error) {
	var record storage.EventRecord
	var millis int64
	var payload string
	if err := scan(&record.ID, &millis, &record.Type, &payload); err != nil {
		return storage.EventRecord{}, err
	}
	record.Timestamp = fromMillis(millis)
	record.Payload = []byte(payload)
	return record, nil
}

func nullableMillis(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return toMillis(value)
}
