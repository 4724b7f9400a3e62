// Package main starts the inspect command lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	inspectcmd "github.com/hatchling-labs/critter/internal/cmd/inspect"
	"github.com/hatchling-labs/critter/internal/platform/config"
)

func main() {
	cfg, err := inspectcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[INSPECT] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := inspectcmd.Run(ctx, cfg); err != nil {
		config.Exitf("inspect: %v", err)
	}
}
