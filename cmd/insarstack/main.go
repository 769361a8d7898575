package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GeoscienceAustralia/PyGamma/internal/cli"
	"github.com/GeoscienceAustralia/PyGamma/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "insarstack: %v\n", err)
		os.Exit(1)
	}

	// A first interrupt stops scheduling new tasks and lets running ones
	// finish; a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCmd(cfg)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
