// Package inspect parses inspect command flags and reports creature state.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hatchling-labs/critter/internal/consumer"
	"github.com/hatchling-labs/critter/internal/identity"
	identitysqlite "github.com/hatchling-labs/critter/internal/identity/storage/sqlite"
	entrypoint "github.com/hatchling-labs/critter/internal/platform/cmd"
	"github.com/hatchling-labs/critter/internal/transport"
)

// ErrNoState means neither the snapshot nor the ledger produced state.
var ErrNoState = errors.New("no creature state available")

// Config holds inspect command configuration.
type Config struct {
	SnapshotPath  string        `env:"CRITTER_INSPECT_SNAPSHOT_PATH" envDefault:"/run/critter/state.json"`
	DBPath        string        `env:"CRITTER_INSPECT_DB_PATH" envDefault:"data/critter.db"`
	Staleness     time.Duration `env:"CRITTER_INSPECT_STALENESS" envDefault:"5s"`
	ForceDirect   bool          `env:"CRITTER_INSPECT_FORCE_DIRECT" envDefault:"false"`
	Watch         bool          `env:"CRITTER_INSPECT_WATCH" envDefault:"false"`
	WatchInterval time.Duration `env:"CRITTER_INSPECT_WATCH_INTERVAL" envDefault:"1s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.SnapshotPath, "snapshot-path", cfg.SnapshotPath, "Shared state snapshot file path")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The ledger SQLite database path")
	fs.DurationVar(&cfg.Staleness, "staleness", cfg.Staleness, "Maximum snapshot age before falling back to the ledger")
	fs.BoolVar(&cfg.ForceDirect, "direct", cfg.ForceDirect, "Skip the snapshot and read the ledger directly")
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "Keep reporting on an interval instead of once")
	fs.DurationVar(&cfg.WatchInterval, "watch-interval", cfg.WatchInterval, "Reporting interval in watch mode")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Report is the inspect command's output shape.
type Report struct {
	Source  string          `json:"source"`
	Reason  string          `json:"reason"`
	AgeMS   int64           `json:"age_ms,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Run reports creature state once, or on an interval in watch mode.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceInspect, func(ctx context.Context) error {
		return run(ctx, cfg, os.Stdout)
	})
}

func run(ctx context.Context, cfg Config, out io.Writer) error {
	policy := consumer.NewPolicy()
	policy.StalenessThreshold = cfg.Staleness
	policy.ForceDirect = cfg.ForceDirect
	reader := transport.NewReader(cfg.SnapshotPath)

	if !cfg.Watch {
		return reportOnce(ctx, cfg, policy, reader, out)
	}

	interval := cfg.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := reportOnce(ctx, cfg, policy, reader, out); err != nil && !errors.Is(err, ErrNoState) {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func reportOnce(ctx context.Context, cfg Config, policy *consumer.Policy, reader *transport.Reader, out io.Writer) error {
	envelope, readErr := reader.Read(ctx)
	decision := policy.Decide(envelope, readErr)

	report := Report{Reason: string(decision.Reason), AgeMS: decision.Age.Milliseconds()}
	if decision.UseSnapshot {
		report.Source = "snapshot"
		report.Payload = envelope.Payload
	} else {
		payload, err := readLedger(ctx, cfg.DBPath)
		if err != nil {
			fmt.Fprintln(out, "no creature state available")
			return fmt.Errorf("%w: %v", ErrNoState, err)
		}
		report.Source = "ledger"
		report.Payload = payload
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// ledgerState is the direct-path payload, shaped like the ledger snapshot
// rather than the broker's published vitals.
type ledgerState struct {
	CreatureID        string  `json:"creature_id"`
	Name              string  `json:"name,omitempty"`
	BornAt            string  `json:"born_at"`
	TotalAwakenings   int64   `json:"total_awakenings"`
	TotalAliveSeconds float64 `json:"total_alive_seconds"`
	SessionStartedAt  string  `json:"session_started_at,omitempty"`
}

func readLedger(ctx context.Context, dbPath string) (json.RawMessage, error) {
	store, err := identitysqlite.OpenReader(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	snap, err := identity.NewLedger(store, identity.Config{}).Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger snapshot: %w", err)
	}

	state := ledgerState{
		CreatureID:        snap.CreatureID,
		Name:              snap.Name,
		BornAt:            snap.BornAt.UTC().Format(time.RFC3339Nano),
		TotalAwakenings:   snap.TotalAwakenings,
		TotalAliveSeconds: snap.TotalAlive.Seconds(),
	}
	if !snap.SessionStartedAt.IsZero() {
		state.SessionStartedAt = snap.SessionStartedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(state)
}
