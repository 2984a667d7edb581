package handlers

import (
	"context"
	"log/slog"
	"time"

	"relay-svc/app/dto"
)

// PendingLister lists the pending commands for the relay's machine
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]dto.CommandResponse, error)
}

// PullHandler discovers commands by polling the broker
type PullHandler struct {
	lister   PendingLister
	interval time.Duration
	limit    int
	logger   *slog.Logger
}

// NewPullHandler creates a new pull handler. limit caps each poll.
func NewPullHandler(lister PendingLister, interval time.Duration, limit int, logger *slog.Logger) *PullHandler {
	return &PullHandler{
		lister:   lister,
		interval: interval,
		limit:    limit,
		logger:   logger,
	}
}

// Run polls immediately and then on every interval until ctx ends. Each
// non-empty pending list is sent to out, oldest command first.
func (h *PullHandler) Run(ctx context.Context, out chan<- []dto.CommandResponse) error {
	h.poll(ctx, out, nil)
	return nil
}

// RunFor polls like Run but returns after d
func (h *PullHandler) RunFor(ctx context.Context, out chan<- []dto.CommandResponse, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	h.poll(ctx, out, timer.C)
}

func (h *PullHandler) poll(ctx context.Context, out chan<- []dto.CommandResponse, until <-chan time.Time) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if !h.PullOnce(ctx, out) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-until:
			return
		case <-ticker.C:
		}
	}
}

// PullOnce lists pending commands once. It returns false when ctx ended.
func (h *PullHandler) PullOnce(ctx context.Context, out chan<- []dto.CommandResponse) bool {
	pending, err := h.lister.ListPending(ctx, h.limit)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		h.logger.Warn("failed to poll pending commands", "error", err)
		return true
	}
	if len(pending) == 0 {
		return true
	}

	select {
	case out <- pending:
		return true
	case <-ctx.Done():
		return false
	}
}
