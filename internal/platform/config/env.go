// Package config loads command configuration from CRITTER_-prefixed
// environment variables and provides the shared fatal-exit helper for CLI
// entry points.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from its env struct tags. Commands call this before
// layering flags, so flags always win over the environment.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
