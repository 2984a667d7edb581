package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relay-svc/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.Bootstrap(ctx); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}
