package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"relay-svc/app/dto"
	"relay-svc/relay/utils"

	"github.com/google/uuid"
)

const (
	spoolBatchSize      = 50
	defaultSpoolMaxAge  = 24 * time.Hour
	defaultSpoolTimeout = 10 * time.Second
)

// SpoolRetryService re-sends spooled completion reports until the broker
// accepts or rejects them
type SpoolRetryService struct {
	spool     Spool
	broker    BrokerClient
	logger    *slog.Logger
	interval  time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	maxAge    time.Duration
	now       func() time.Time
}

// NewSpoolRetryService creates a new spool retry service
func NewSpoolRetryService(spool Spool, broker BrokerClient, logger *slog.Logger, interval time.Duration) *SpoolRetryService {
	return &SpoolRetryService{
		spool:     spool,
		broker:    broker,
		logger:    logger,
		interval:  interval,
		baseDelay: time.Second,
		maxDelay:  defaultMaxDelay,
		maxAge:    defaultSpoolMaxAge,
		now:       time.Now,
	}
}

// Run retries due reports on every interval until ctx ends
func (s *SpoolRetryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RetryDue(ctx)

		if removed, err := s.spool.CleanupExpired(ctx, s.now().Add(-s.maxAge)); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("failed to clean up spool", "error", err)
			}
		} else if removed > 0 {
			s.logger.Warn("dropped expired spooled results", "count", removed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RetryDue attempts every report whose retry time has come and returns how
// many the broker accepted
func (s *SpoolRetryService) RetryDue(ctx context.Context) int {
	due, err := s.spool.DueCompletions(ctx, s.now(), spoolBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to read spooled results", "error", err)
		}
		return 0
	}

	delivered := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}

		logger := s.logger.With("command_id", sc.CommandID, "attempts", sc.Attempts)

		commandID, err := uuid.Parse(sc.CommandID)
		if err != nil {
			logger.Error("dropping spooled result with invalid command id", "error", err)
			s.delete(ctx, sc.CommandID)
			continue
		}
		var report dto.CompleteRequest
		if err := json.Unmarshal(sc.Report, &report); err != nil {
			logger.Error("dropping undecodable spooled result", "error", err)
			s.delete(ctx, sc.CommandID)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, defaultSpoolTimeout)
		_, err = s.broker.Complete(sendCtx, commandID, report)
		cancel()

		switch {
		case err == nil:
			logger.Info("spooled command result delivered")
			s.delete(ctx, sc.CommandID)
			delivered++
		case !isRetryable(err):
			logger.Warn("spooled command result rejected by broker, dropping", "error", err)
			s.delete(ctx, sc.CommandID)
		default:
			next := s.now().Add(utils.ExponentialBackoff(sc.Attempts, s.baseDelay, s.maxDelay))
			if mErr := s.spool.MarkAttemptFailed(ctx, sc.CommandID, err.Error(), next); mErr != nil {
				logger.Warn("failed to reschedule spooled result", "error", mErr)
			}
			logger.Debug("spooled command result still undeliverable", "error", err, "next_attempt", next)
		}
	}
	return delivered
}

func (s *SpoolRetryService) delete(ctx context.Context, commandID string) {
	if err := s.spool.DeleteCompletion(ctx, commandID); err != nil {
		s.logger.Warn("failed to delete spooled result", "command_id", commandID, "error", err)
	}
}
