package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hatchling-labs/critter/internal/identity"
	identitysqlite "github.com/hatchling-labs/critter/internal/identity/storage/sqlite"
	"github.com/hatchling-labs/critter/internal/observations"
	"github.com/hatchling-labs/critter/internal/transport"
)

// RuntimeConfig controls broker startup, storage, and loop behavior.
type RuntimeConfig struct {
	SnapshotPath        string
	DBPath              string
	PublishInterval     time.Duration
	ObservationInterval time.Duration
	DedupeWindow        time.Duration
	HeartbeatInterval   time.Duration

	// CreatureName, when set, renames the creature at startup if the
	// ledger holds a different name.
	CreatureName string

	// Sampler optionally replaces the default vitals sampler.
	Sampler Sampler
}

const (
	defaultSnapshotPath = "/run/critter/state.json"
	defaultDBPath       = "data/critter.db"
	shutdownTimeout     = 5 * time.Second
)

// Run starts the broker: opens the ledger, wakes the creature, runs gap
// recovery, and drives the publish loop until the context is cancelled.
// Shutdown records a clean sleep.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.SnapshotPath) == "" {
		cfg.SnapshotPath = defaultSnapshotPath
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}

	for _, path := range []string{cfg.DBPath, cfg.SnapshotPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", path, err)
			}
		}
	}

	store, err := identitysqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close ledger store: %v", closeErr)
		}
	}()

	ledger := identity.NewLedger(store, identity.Config{
		DedupeWindow:      cfg.DedupeWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}).WithLogf(log.Printf)

	if err := ledger.Wake(ctx); err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	if err := ledger.RecoverLostTime(ctx); err != nil {
		// Best-effort: a failed recovery never blocks startup.
		log.Printf("gap recovery: %v", err)
	}

	if name := strings.TrimSpace(cfg.CreatureName); name != "" {
		snap, err := ledger.Snapshot(ctx)
		switch {
		case err != nil:
			log.Printf("read name for rename: %v", err)
		case snap.Name != name:
			if err := ledger.SetName(ctx, name); err != nil {
				log.Printf("rename creature: %v", err)
			}
		}
	}

	publisher := transport.NewPublisher(cfg.SnapshotPath)
	recorder := observations.NewRecorder(store)
	loop := New(ledger, publisher, recorder, cfg.Sampler, Config{
		PublishInterval:     cfg.PublishInterval,
		ObservationInterval: cfg.ObservationInterval,
	})

	log.Printf("broker publishing to %s (producer %s)", cfg.SnapshotPath, publisher.ProducerID())
	runErr := loop.Run(ctx)

	sleepCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ledger.Sleep(sleepCtx); err != nil {
		log.Printf("sleep on shutdown: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	return nil
}
