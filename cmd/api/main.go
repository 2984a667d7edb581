package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relay-svc/app"
)

func main() {
	application, err := app.Bootstrap()
	if err != nil {
		slog.Error("failed to bootstrap application", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		application.Logger.Error("broker stopped", "error", err)
		application.Close()
		os.Exit(1)
	}
}
