// Package main provides the entry point for the streamgrep CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamgrep/streamgrep/cmd/streamgrep/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
