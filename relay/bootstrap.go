// Package relay runs commands the broker queued for this relay's machine.
package relay

import (
	"context"
	"fmt"
	"os"

	"relay-svc/app"
	"relay-svc/client"
	"relay-svc/relay/executor"
	"relay-svc/relay/handlers"
	"relay-svc/relay/services"
	"relay-svc/relay/storage"

	"golang.org/x/sync/errgroup"
)

// Bootstrap loads configuration and runs the relay until ctx ends
func Bootstrap(ctx context.Context) error {
	cfg, err := LoadConfig(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return Run(ctx, cfg)
}

// Run starts the discovery loop, the worker pool and the spool retrier
func Run(ctx context.Context, cfg *Config) error {
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("relay_id", cfg.RelayID)

	store, err := storage.NewStore(cfg.SpoolPath)
	if err != nil {
		return fmt.Errorf("failed to initialize spool: %w", err)
	}
	defer store.Close()

	var sshExec executor.Executor
	if cfg.SSHEnabled() {
		e, err := executor.NewSSHExecutor(cfg.SSH.ExecutorConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize ssh executor: %w", err)
		}
		sshExec = e
	}
	exec := executor.NewMux(executor.NewLocalExecutor(executor.NewSandbox(cfg.WorkDir, nil)), sshExec)

	relayClient := client.NewRelayClient(cfg.BrokerURL, cfg.Token)

	var discovery services.Discovery
	poller := handlers.NewPullHandler(relayClient, cfg.PollInterval(), cfg.PollLimit, logger)
	if cfg.Mode == ModePush {
		discovery = handlers.NewPushHandler(relayClient, poller, logger)
	} else {
		discovery = poller
	}

	sender := services.NewResultSender(relayClient, store, logger)
	runtime := services.NewRuntimeService(relayClient, discovery, exec, sender, logger, services.RuntimeConfig{
		WorkerCount:    cfg.WorkerCount,
		ChannelSize:    cfg.ChannelSize,
		FlushInterval:  cfg.PartialFlushInterval(),
		MaxOutputBytes: cfg.MaxOutputBytes,
	})
	retrier := services.NewSpoolRetryService(store, relayClient, logger, cfg.SpoolRetryInterval())

	logger.Info("relay started",
		"broker_url", cfg.BrokerURL,
		"mode", cfg.Mode,
		"workers", cfg.WorkerCount,
		"ssh_enabled", cfg.SSHEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Run(gctx)
	})
	g.Go(func() error {
		return retrier.Run(gctx)
	})

	err = g.Wait()
	logger.Info("relay stopped")
	return err
}
