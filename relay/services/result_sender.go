package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/relay/storage"
	"relay-svc/relay/utils"

	"github.com/google/uuid"
)

const (
	defaultSendAttempts = 3
	defaultBaseDelay    = 500 * time.Millisecond
	defaultMaxDelay     = 5 * time.Minute
)

// BrokerClient is the relay side of the broker API
type BrokerClient interface {
	Claim(ctx context.Context, commandID uuid.UUID) (*dto.CommandResponse, error)
	MarkExecuting(ctx context.Context, commandID uuid.UUID) (*dto.CommandResponse, error)
	RecordOutput(ctx context.Context, commandID uuid.UUID, stdout, stderr *string) (*dto.CommandResponse, error)
	Complete(ctx context.Context, commandID uuid.UUID, report dto.CompleteRequest) (*dto.CommandResponse, error)
}

// Spool persists completion reports the broker could not be reached for
type Spool interface {
	SaveCompletion(ctx context.Context, commandID string, report []byte, lastErr string, nextAttempt time.Time) error
	DueCompletions(ctx context.Context, now time.Time, limit int) ([]storage.SpooledCompletion, error)
	MarkAttemptFailed(ctx context.Context, commandID, lastErr string, nextAttempt time.Time) error
	DeleteCompletion(ctx context.Context, commandID string) error
	CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ResultSender delivers completion reports. Reports that cannot be
// delivered after a few quick attempts are spooled for SpoolRetryService.
type ResultSender struct {
	broker    BrokerClient
	spool     Spool
	logger    *slog.Logger
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	now       func() time.Time
}

// NewResultSender creates a new result sender
func NewResultSender(broker BrokerClient, spool Spool, logger *slog.Logger) *ResultSender {
	return &ResultSender{
		broker:    broker,
		spool:     spool,
		logger:    logger,
		attempts:  defaultSendAttempts,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		now:       time.Now,
	}
}

// Send delivers report for commandID. A nil return means the report was
// either accepted, rejected for good, or spooled.
func (s *ResultSender) Send(ctx context.Context, commandID uuid.UUID, report dto.CompleteRequest) error {
	err := utils.RetryWithBackoff(ctx, s.attempts, s.baseDelay, s.maxDelay, isRetryable, func() error {
		_, err := s.broker.Complete(ctx, commandID, report)
		return err
	})

	switch {
	case err == nil:
		s.logger.Info("command result delivered", "command_id", commandID, "status", reportStatus(report))
		return nil
	case !isRetryable(err):
		s.logger.Warn("command result rejected by broker, dropping", "command_id", commandID, "error", err)
		return nil
	}

	payload, mErr := json.Marshal(report)
	if mErr != nil {
		return fmt.Errorf("failed to marshal completion report: %w", mErr)
	}

	next := s.now().Add(utils.ExponentialBackoff(0, s.baseDelay, s.maxDelay))
	if sErr := s.spool.SaveCompletion(context.WithoutCancel(ctx), commandID.String(), payload, err.Error(), next); sErr != nil {
		s.logger.Error("failed to spool command result", "command_id", commandID, "error", sErr)
		return fmt.Errorf("failed to spool completion: %w", sErr)
	}

	s.logger.Warn("broker unreachable, command result spooled", "command_id", commandID, "error", err)
	return nil
}

// isRetryable reports whether a broker error may succeed on a later
// attempt. Rejections tied to the command's state never will.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domains.ErrCommandNotFound),
		errors.Is(err, domains.ErrAlreadyTerminal),
		errors.Is(err, domains.ErrInvalidTransition),
		errors.Is(err, domains.ErrNotPending),
		errors.Is(err, domains.ErrNotClaimant),
		domains.IsValidationError(err):
		return false
	}
	return true
}

func reportStatus(report dto.CompleteRequest) string {
	if report.Status != "" {
		return report.Status
	}
	if report.Success {
		return string(domains.StatusCompleted)
	}
	return string(domains.StatusFailed)
}
