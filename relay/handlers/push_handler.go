package handlers

import (
	"context"
	"log/slog"
	"time"

	"relay-svc/app/dto"
	"relay-svc/relay/utils"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Subscriber opens the broker's pending-commands event stream
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []dto.CommandResponse, <-chan error, error)
}

// PushHandler discovers commands from the broker's event stream. While
// the stream is down it polls through the fallback handler and retries
// the subscription with exponential backoff.
type PushHandler struct {
	subscriber Subscriber
	fallback   *PullHandler
	logger     *slog.Logger
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewPushHandler creates a new push handler
func NewPushHandler(subscriber Subscriber, fallback *PullHandler, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		subscriber: subscriber,
		fallback:   fallback,
		logger:     logger,
		baseDelay:  reconnectBaseDelay,
		maxDelay:   reconnectMaxDelay,
	}
}

// Run forwards pending lists to out until ctx ends
func (h *PushHandler) Run(ctx context.Context, out chan<- []dto.CommandResponse) error {
	attempt := 0
	for ctx.Err() == nil {
		updates, errs, err := h.subscriber.Subscribe(ctx)
		if err != nil {
			h.logger.Warn("failed to subscribe to pending commands, polling instead", "error", err)
		} else {
			attempt = 0
			h.logger.Info("subscribed to pending commands")
			h.forward(ctx, updates, out)
			if err := <-errs; err != nil {
				h.logger.Warn("pending command stream dropped, polling instead", "error", err)
			}
		}
		if ctx.Err() != nil {
			break
		}

		h.fallback.RunFor(ctx, out, utils.ExponentialBackoff(attempt, h.baseDelay, h.maxDelay))
		attempt++
	}
	return nil
}

func (h *PushHandler) forward(ctx context.Context, updates <-chan []dto.CommandResponse, out chan<- []dto.CommandResponse) {
	for pending := range updates {
		if len(pending) == 0 {
			continue
		}
		select {
		case out <- pending:
		case <-ctx.Done():
			// Drain so the stream reader can exit
			for range updates {
			}
			return
		}
	}
}
