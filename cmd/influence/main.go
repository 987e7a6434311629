package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"influence/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// main cancels the command on SIGINT or SIGTERM. An ingestion run finishes
// the page it is writing before it stops.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, version, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
