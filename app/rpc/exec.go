// Package rpc turns the queue-then-poll command model into one blocking
// call with a bounded wait and optional retries.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/utils"

	"github.com/google/uuid"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRetryDelay   = time.Second

	// NotFoundMessage is reported when a queued command disappears while polling
	NotFoundMessage = "Command not found"
)

// ErrMissingCommandID is returned when a backend accepts a command without
// handing back its id
var ErrMissingCommandID = errors.New("queue returned no command id")

// Backend queues commands and reads their results. Implementations report
// a missing command as domains.ErrCommandNotFound.
type Backend interface {
	QueueCommand(ctx context.Context, req domains.CommandRequest) (uuid.UUID, error)
	GetCommandResult(ctx context.Context, commandID uuid.UUID) (*domains.CommandResult, error)
}

// Options tune a single Exec call. Zero durations select the defaults.
type Options struct {
	// Timeout bounds each attempt, measured from the moment it starts
	Timeout      time.Duration
	PollInterval time.Duration
	// Retries is the number of extra attempts after the first
	Retries    int
	RetryDelay time.Duration
	// ShouldRetry decides whether a retryable failure is retried.
	// Defaults to utils.IsTransientError.
	ShouldRetry func(err error, attempt int) bool
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = utils.IsTransientError
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is the outcome of Exec. A command that ran and failed is a normal
// Result with Success false, never an error.
type Result struct {
	CommandID  uuid.UUID             `json:"command_id"`
	Success    bool                  `json:"success"`
	Status     domains.CommandStatus `json:"status,omitempty"`
	Output     string                `json:"output"`
	Stderr     string                `json:"stderr"`
	ExitCode   *int                  `json:"exit_code,omitempty"`
	Error      string                `json:"error,omitempty"`
	DurationMs int64                 `json:"duration_ms"`
	TimedOut   bool                  `json:"timed_out"`
	Attempts   int                   `json:"attempts"`
}

// Exec queues req, waits for its terminal result and retries retryable
// failures. The returned error is non-nil only for an invalid target or
// when ctx ends; every other failure is described by the Result.
func Exec(ctx context.Context, backend Backend, req domains.CommandRequest, opts Options) (*Result, error) {
	if err := domains.ValidateTarget(req.Target); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	for attempt := 1; ; attempt++ {
		res, retryErr := execOnce(ctx, backend, req, opts)
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return res, err
		}
		if retryErr == nil || attempt > opts.Retries || !opts.ShouldRetry(retryErr, attempt) {
			return res, nil
		}

		opts.Logger.Warn("exec attempt failed, retrying",
			"machine_id", req.MachineID,
			"attempt", attempt,
			"command_id", res.CommandID,
			"error", retryErr,
			"retry_in", opts.RetryDelay,
		)
		if err := sleep(ctx, opts.RetryDelay); err != nil {
			return res, err
		}
	}
}

// ExecAsync queues req once and returns its id without waiting
func ExecAsync(ctx context.Context, backend Backend, req domains.CommandRequest) (uuid.UUID, error) {
	if err := domains.ValidateTarget(req.Target); err != nil {
		return uuid.Nil, err
	}
	id, err := backend.QueueCommand(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, ErrMissingCommandID
	}
	return id, nil
}

// execOnce runs one queue-and-poll attempt. The second return value is the
// failure to offer to ShouldRetry, or nil when the result is final.
//
// Both backend calls run under the attempt deadline, so a slow queue or poll
// cannot hold the caller past opts.Timeout.
func execOnce(ctx context.Context, backend Backend, req domains.CommandRequest, opts Options) (*Result, error) {
	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// expired is true once the attempt deadline passed while ctx is still live
	expired := func() bool {
		return attemptCtx.Err() != nil && ctx.Err() == nil
	}
	rpcTimeout := func(id uuid.UUID, status domains.CommandStatus) (*Result, error) {
		err := fmt.Errorf("RPC timeout after %dms", opts.Timeout.Milliseconds())
		return &Result{
			CommandID:  id,
			Status:     status,
			Error:      err.Error(),
			TimedOut:   true,
			DurationMs: time.Since(start).Milliseconds(),
		}, err
	}

	id, err := backend.QueueCommand(attemptCtx, req)
	if err != nil {
		if expired() {
			return rpcTimeout(uuid.Nil, "")
		}
		res := &Result{Error: err.Error()}
		if domains.IsValidationError(err) {
			return res, nil
		}
		return res, err
	}
	if id == uuid.Nil {
		return &Result{Error: ErrMissingCommandID.Error()}, ErrMissingCommandID
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var lastStatus domains.CommandStatus
	for {
		cr, err := backend.GetCommandResult(attemptCtx, id)
		switch {
		case errors.Is(err, domains.ErrCommandNotFound), err == nil && cr == nil:
			return &Result{CommandID: id, Error: NotFoundMessage}, nil
		case err != nil:
			if ctx.Err() != nil {
				return &Result{CommandID: id, Status: lastStatus, Error: ctx.Err().Error()}, nil
			}
			if expired() {
				return rpcTimeout(id, lastStatus)
			}
			return &Result{CommandID: id, Status: lastStatus, Error: err.Error()}, err
		case cr.Status.IsTerminal():
			return fromTerminal(id, cr), nil
		}
		lastStatus = cr.Status

		select {
		case <-attemptCtx.Done():
		case <-ticker.C:
		}
		// The deadline wins over a tick that became ready at the same time
		if attemptCtx.Err() != nil {
			if ctx.Err() != nil {
				return &Result{CommandID: id, Status: lastStatus, Error: ctx.Err().Error()}, nil
			}
			return rpcTimeout(id, lastStatus)
		}
	}
}

func fromTerminal(id uuid.UUID, cr *domains.CommandResult) *Result {
	res := &Result{
		CommandID: id,
		Status:    cr.Status,
		Output:    deref(cr.Output),
		Stderr:    deref(cr.Stderr),
		ExitCode:  cr.ExitCode,
		Error:     deref(cr.Error),
		Success:   cr.Status == domains.StatusCompleted && (cr.ExitCode == nil || *cr.ExitCode == 0),
		TimedOut:  cr.Status == domains.StatusTimeout,
	}
	if cr.DurationMs != nil {
		res.DurationMs = *cr.DurationMs
	}

	if !res.Success && res.Error == "" {
		switch {
		case res.TimedOut:
			res.Error = "command timed out"
		case res.ExitCode != nil:
			res.Error = fmt.Sprintf("command exited with code %d", *res.ExitCode)
		default:
			res.Error = "command failed"
		}
	}
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
