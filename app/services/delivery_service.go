package services

import (
	"context"
	"log/slog"
	"time"

	"relay-svc/app/clients"
	"relay-svc/app/domains"
)

const (
	// DefaultPendingLimit is used when a pull request does not give a limit
	DefaultPendingLimit = 10
	// MaxPendingLimit caps every pull request
	MaxPendingLimit = 100
	// DefaultFallbackPollInterval drives subscriptions on stores without change notification
	DefaultFallbackPollInterval = 250 * time.Millisecond
)

// DeliveryService exposes pending commands to relays, by pull or by push.
// It never mutates commands.
type DeliveryService struct {
	storage          clients.StorageAdapter
	logger           *slog.Logger
	fallbackInterval time.Duration
}

// NewDeliveryService creates a new delivery service
func NewDeliveryService(storage clients.StorageAdapter, logger *slog.Logger, fallbackInterval time.Duration) *DeliveryService {
	if fallbackInterval <= 0 {
		fallbackInterval = DefaultFallbackPollInterval
	}
	return &DeliveryService{
		storage:          storage,
		logger:           logger,
		fallbackInterval: fallbackInterval,
	}
}

// ListPendingFor returns pending commands for machineID, oldest first
func (s *DeliveryService) ListPendingFor(ctx context.Context, machineID string, limit int) ([]domains.Command, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	if limit > MaxPendingLimit {
		limit = MaxPendingLimit
	}
	return s.storage.ListPendingCommands(ctx, machineID, limit)
}

// SubscribePendingFor emits the full pending list for machineID right away
// and again every time it changes. Unlike pulls, pushed lists are not
// capped. Identical consecutive lists are dropped. The channel is closed
// when ctx is done.
func (s *DeliveryService) SubscribePendingFor(ctx context.Context, machineID string) (<-chan []domains.Command, error) {
	// Register for changes before the first read so nothing slips between them
	var changes <-chan struct{}
	if notifier, ok := s.storage.(clients.ChangeNotifier); ok {
		ch, err := notifier.WatchPending(ctx, machineID)
		if err != nil {
			return nil, err
		}
		changes = ch
	}

	out := make(chan []domains.Command)
	go s.pump(ctx, machineID, changes, out)
	return out, nil
}

func (s *DeliveryService) pump(ctx context.Context, machineID string, changes <-chan struct{}, out chan<- []domains.Command) {
	defer close(out)

	var tick <-chan time.Time
	if changes == nil {
		ticker := time.NewTicker(s.fallbackInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var last []domains.Command
	sent := false
	emit := func() bool {
		pending, err := s.allPending(ctx, machineID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("failed to read pending commands", "machine_id", machineID, "error", err)
			}
			return ctx.Err() == nil
		}
		if sent && samePending(last, pending) {
			return true
		}
		select {
		case out <- pending:
			last, sent = pending, true
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if !emit() {
				return
			}
		case <-tick:
			if !emit() {
				return
			}
		}
	}
}

// allPending reads the complete pending list for machineID. The read window
// grows from MaxPendingLimit until a read comes back short.
func (s *DeliveryService) allPending(ctx context.Context, machineID string) ([]domains.Command, error) {
	for limit := MaxPendingLimit; ; limit *= 2 {
		pending, err := s.storage.ListPendingCommands(ctx, machineID, limit)
		if err != nil || len(pending) < limit {
			return pending, err
		}
	}
}

func samePending(a, b []domains.Command) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].CommandID != b[i].CommandID {
			return false
		}
	}
	return true
}
