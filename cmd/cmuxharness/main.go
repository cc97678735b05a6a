package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/cmuxharness/internal/cli"
	"github.com/g960059/cmuxharness/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg, os.Stdout, os.Stderr)
	os.Exit(r.Run(ctx, os.Args[1:]))
}
