// Package main runs the offline acknowledgement client.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/conditionwatch/internal/cmd/ackclient"
	"github.com/louisbranch/conditionwatch/internal/platform/config"
)

func main() {
	log.SetPrefix("[ACKCLIENT] ")
	cfg, err := ackclient.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ackclient.Run(ctx, cfg, os.Stdout, os.Stderr); err != nil {
		config.Exitf("Error: %v", err)
	}
}
