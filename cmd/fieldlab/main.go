// cmd/fieldlab/main.go
//
// This is the entry point for the fieldlab CLI.
// Running `fieldlab` with no subcommand loads every configured experiment
// for the current project and opens the participant TUI.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
