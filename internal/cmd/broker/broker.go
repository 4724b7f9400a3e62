// Package broker parses broker command flags and launches the broker runtime.
package broker

import (
	"context"
	"flag"
	"time"

	"github.com/hatchling-labs/critter/internal/broker/app"
	entrypoint "github.com/hatchling-labs/critter/internal/platform/cmd"
)

// Config holds broker command configuration.
type Config struct {
	SnapshotPath        string        `env:"CRITTER_BROKER_SNAPSHOT_PATH" envDefault:"/run/critter/state.json"`
	DBPath              string        `env:"CRITTER_BROKER_DB_PATH" envDefault:"data/critter.db"`
	PublishInterval     time.Duration `env:"CRITTER_BROKER_PUBLISH_INTERVAL" envDefault:"250ms"`
	ObservationInterval time.Duration `env:"CRITTER_BROKER_OBSERVATION_INTERVAL" envDefault:"10s"`
	DedupeWindow        time.Duration `env:"CRITTER_BROKER_DEDUPE_WINDOW" envDefault:"5m"`
	HeartbeatInterval   time.Duration `env:"CRITTER_BROKER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	CreatureName        string        `env:"CRITTER_BROKER_CREATURE_NAME"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.SnapshotPath, "snapshot-path", cfg.SnapshotPath, "Shared state snapshot file path")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The ledger SQLite database path")
	fs.DurationVar(&cfg.PublishInterval, "publish-interval", cfg.PublishInterval, "Snapshot publish cadence")
	fs.DurationVar(&cfg.ObservationInterval, "observation-interval", cfg.ObservationInterval, "Gap-recovery observation spacing")
	fs.DurationVar(&cfg.DedupeWindow, "dedupe-window", cfg.DedupeWindow, "Wake dedupe window for crash restarts")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Minimum interval between heartbeat checkpoints")
	fs.StringVar(&cfg.CreatureName, "creature-name", cfg.CreatureName, "Rename the creature at startup")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the broker runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceBroker, func(ctx context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			SnapshotPath:        cfg.SnapshotPath,
			DBPath:              cfg.DBPath,
			PublishInterval:     cfg.PublishInterval,
			ObservationInterval: cfg.ObservationInterval,
			DedupeWindow:        cfg.DedupeWindow,
			HeartbeatInterval:   cfg.HeartbeatInterval,
			CreatureName:        cfg.CreatureName,
		})
	})
}
