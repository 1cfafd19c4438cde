// Command bridgectl acts as the peer runtime of a bridge during development.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/FerroO2000/msgbridge/cmd/bridgectl/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("bridgectl failed", "error", err)
		cancel()
		os.Exit(1)
	}
}
