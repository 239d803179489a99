// Package main starts the conditions service and handles termination.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	conditionscmd "github.com/louisbranch/conditionwatch/internal/cmd/conditions"
	"github.com/louisbranch/conditionwatch/internal/platform/config"
)

func main() {
	log.SetPrefix("[CONDITIONS] ")
	cfg, err := conditionscmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := conditionscmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
