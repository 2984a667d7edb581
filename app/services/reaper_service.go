package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"relay-svc/app/clients"
	"relay-svc/app/domains"
)

// StaleClaimMessage is the error stored on commands the reaper times out
const StaleClaimMessage = "relay did not report a result before the deadline"

// ReaperConfig controls the stale-claim sweep and the retention purge
type ReaperConfig struct {
	Interval   time.Duration
	ClaimGrace time.Duration
	// Retention of terminal commands; zero disables the purge
	Retention time.Duration
}

// ReaperService times out commands whose relay went silent and purges old
// terminal commands.
type ReaperService struct {
	storage clients.StorageAdapter
	logger  *slog.Logger
	cfg     ReaperConfig
	now     func() time.Time
}

// NewReaperService creates a new reaper
func NewReaperService(storage clients.StorageAdapter, logger *slog.Logger, cfg ReaperConfig) *ReaperService {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ClaimGrace < 0 {
		cfg.ClaimGrace = 0
	}
	return &ReaperService{
		storage: storage,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sweeps on every tick until ctx is done
func (r *ReaperService) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "claim_grace", r.cfg.ClaimGrace, "retention", r.cfg.Retention)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("stale claim sweep failed", "error", err)
			}
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("retention purge failed", "error", err)
			}
		}
	}
}

// Sweep times out every claimed or executing command whose deadline plus
// grace has passed. A relay result that lands first wins.
func (r *ReaperService) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	running := []domains.CommandStatus{domains.StatusClaimed, domains.StatusExecuting}

	stale, err := r.storage.ListStaleCommands(ctx, running, now.Add(-r.cfg.ClaimGrace))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, cmd := range stale {
		if cmd.ClaimedAt == nil || now.Before(cmd.ClaimedAt.Add(cmd.Timeout()+r.cfg.ClaimGrace)) {
			continue
		}

		outcome := domains.TimedOut(deref(cmd.PartialOutput), deref(cmd.PartialStderr), StaleClaimMessage, now.Sub(*cmd.ClaimedAt))
		_, err := r.storage.PatchCommand(ctx, cmd.CommandID, running, outcome.Patch(now))
		if err != nil {
			var conflict *domains.StatusConflictError
			if errors.As(err, &conflict) || errors.Is(err, domains.ErrCommandNotFound) {
				r.logger.Debug("stale command settled before reaping", "command_id", cmd.CommandID, "error", err)
				continue
			}
			return reaped, err
		}

		reaped++
		r.logger.Warn("stale command timed out",
			"command_id", cmd.CommandID,
			"machine_id", cmd.MachineID,
			"claimed_by", deref(cmd.ClaimedBy),
		)
	}
	return reaped, nil
}

// Purge deletes terminal commands older than the retention window
func (r *ReaperService) Purge(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.storage.DeleteTerminalBefore(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("purged terminal commands", "count", n)
	}
	return n, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
