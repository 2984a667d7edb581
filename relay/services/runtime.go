package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/relay/executor"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const reportTimeout = 30 * time.Second

// Discovery feeds pending command lists to the runtime
type Discovery interface {
	Run(ctx context.Context, out chan<- []dto.CommandResponse) error
}

// RuntimeConfig sizes the worker pool
type RuntimeConfig struct {
	WorkerCount    int
	ChannelSize    int
	FlushInterval  time.Duration
	MaxOutputBytes int
}

// RuntimeService claims discovered commands and runs them on a bounded
// worker pool
type RuntimeService struct {
	broker      BrokerClient
	discovery   Discovery
	executor    executor.Executor
	sender      *ResultSender
	logger      *slog.Logger
	cfg         RuntimeConfig
	commandChan chan dto.CommandResponse
	now         func() time.Time
}

// NewRuntimeService creates a new runtime service
func NewRuntimeService(broker BrokerClient, discovery Discovery, exec executor.Executor, sender *ResultSender, logger *slog.Logger, cfg RuntimeConfig) *RuntimeService {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.ChannelSize < 0 {
		cfg.ChannelSize = 0
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &RuntimeService{
		broker:      broker,
		discovery:   discovery,
		executor:    exec,
		sender:      sender,
		logger:      logger,
		cfg:         cfg,
		commandChan: make(chan dto.CommandResponse, cfg.ChannelSize),
		now:         time.Now,
	}
}

// Run discovers, claims and executes commands until ctx ends. Commands
// claimed but not started by then are reported as failed.
func (r *RuntimeService) Run(ctx context.Context) error {
	discovered := make(chan []dto.CommandResponse)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.discovery.Run(gctx, discovered)
	})
	g.Go(func() error {
		r.dispatch(gctx, discovered)
		return nil
	})
	for i := 0; i < r.cfg.WorkerCount; i++ {
		g.Go(func() error {
			r.worker(gctx)
			return nil
		})
	}

	err := g.Wait()
	r.abandonQueued(ctx)
	return err
}

// dispatch claims discovered commands while the local queue has room
func (r *RuntimeService) dispatch(ctx context.Context, discovered <-chan []dto.CommandResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-discovered:
			for _, cmd := range pending {
				if r.queueFull() {
					r.logger.Debug("worker queue is full, leaving remaining commands pending", "command_id", cmd.CommandID)
					break
				}
				if !r.claim(ctx, cmd.CommandID) {
					continue
				}
				select {
				case r.commandChan <- cmd:
				case <-ctx.Done():
					r.report(ctx, cmd.CommandID, abandonedReport())
					return
				}
			}
		}
	}
}

// queueFull reports whether a claimed command would have to wait for a
// worker beyond the configured queue size
func (r *RuntimeService) queueFull() bool {
	return len(r.commandChan) >= cap(r.commandChan) && cap(r.commandChan) > 0
}

func (r *RuntimeService) claim(ctx context.Context, commandID uuid.UUID) bool {
	_, err := r.broker.Claim(ctx, commandID)
	switch {
	case err == nil:
		r.logger.Debug("command claimed", "command_id", commandID)
		return true
	case errors.Is(err, domains.ErrNotPending), errors.Is(err, domains.ErrAlreadyTerminal):
		r.logger.Debug("command already claimed", "command_id", commandID)
	case ctx.Err() != nil:
	default:
		r.logger.Warn("failed to claim command", "command_id", commandID, "error", err)
	}
	return false
}

func (r *RuntimeService) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.commandChan:
			if ctx.Err() != nil {
				r.report(ctx, cmd.CommandID, abandonedReport())
				return
			}
			r.execute(ctx, cmd)
		}
	}
}

// execute runs one claimed command and reports its outcome
func (r *RuntimeService) execute(ctx context.Context, cmd dto.CommandResponse) {
	id := cmd.CommandID
	logger := r.logger.With("command_id", id, "target_type", cmd.Type)

	if _, err := r.broker.MarkExecuting(ctx, id); err != nil {
		if !isRetryable(err) {
			logger.Warn("command is no longer runnable, skipping", "error", err)
			return
		}
		logger.Warn("failed to mark command executing", "error", err)
	}

	buf := executor.NewOutputBuffer(r.cfg.MaxOutputBytes)
	buf.StartFlushing(ctx, r.cfg.FlushInterval, func(fctx context.Context, stdout, stderr string) {
		if _, err := r.broker.RecordOutput(fctx, id, &stdout, &stderr); err != nil && fctx.Err() == nil {
			logger.Debug("failed to record partial output", "error", err)
		}
	})

	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(domains.DefaultTimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)

	logger.Info("executing command", "timeout_ms", timeout.Milliseconds())
	start := r.now()
	exitCode, runErr := r.executor.Run(execCtx, executor.Request{
		Command: cmd.Command,
		Target:  cmd.Target,
		Stdout:  buf.Stdout(),
		Stderr:  buf.Stderr(),
	})
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	buf.Stop()

	stdout, stderr, _ := buf.Snapshot()
	elapsed := r.now().Sub(start)

	var report dto.CompleteRequest
	switch {
	case timedOut:
		report = timeoutReport(stdout, stderr, timeout, elapsed)
	case ctx.Err() != nil:
		report = failedReport(-1, stdout, stderr, "relay shut down while the command was running", elapsed)
	case runErr != nil:
		report = failedReport(-1, stdout, stderr, runErr.Error(), elapsed)
	case exitCode != 0:
		report = failedReport(exitCode, stdout, stderr, fmt.Sprintf("command exited with code %d", exitCode), elapsed)
	default:
		report = succeededReport(stdout, stderr, elapsed)
	}
	if buf.Truncated() {
		logger.Warn("command output exceeded the capture limit and was truncated")
	}

	logger.Info("command finished", "status", reportStatus(report), "exit_code", exitCode, "duration_ms", elapsed.Milliseconds())
	r.report(ctx, id, report)
}

// report sends a completion even when ctx is already cancelled
func (r *RuntimeService) report(ctx context.Context, commandID uuid.UUID, report dto.CompleteRequest) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := r.sender.Send(sendCtx, commandID, report); err != nil {
		r.logger.Error("failed to deliver command result", "command_id", commandID, "error", err)
	}
}

func (r *RuntimeService) abandonQueued(ctx context.Context) {
	for {
		select {
		case cmd := <-r.commandChan:
			r.report(ctx, cmd.CommandID, abandonedReport())
		default:
			return
		}
	}
}

func succeededReport(stdout, stderr string, elapsed time.Duration) dto.CompleteRequest {
	code := 0
	ms := elapsed.Milliseconds()
	return dto.CompleteRequest{
		Success:    true,
		Status:     string(domains.StatusCompleted),
		Output:     &stdout,
		Stderr:     &stderr,
		ExitCode:   &code,
		DurationMs: &ms,
	}
}

func failedReport(exitCode int, stdout, stderr, errMsg string, elapsed time.Duration) dto.CompleteRequest {
	ms := elapsed.Milliseconds()
	return dto.CompleteRequest{
		Status:     string(domains.StatusFailed),
		Output:     &stdout,
		Stderr:     &stderr,
		ExitCode:   &exitCode,
		Error:      &errMsg,
		DurationMs: &ms,
	}
}

func timeoutReport(stdout, stderr string, timeout, elapsed time.Duration) dto.CompleteRequest {
	errMsg := fmt.Sprintf("command timed out after %dms", timeout.Milliseconds())
	ms := elapsed.Milliseconds()
	return dto.CompleteRequest{
		Status:     string(domains.StatusTimeout),
		Output:     &stdout,
		Stderr:     &stderr,
		Error:      &errMsg,
		DurationMs: &ms,
	}
}

func abandonedReport() dto.CompleteRequest {
	errMsg := "relay shut down before the command started"
	return dto.CompleteRequest{
		Status: string(domains.StatusFailed),
		Error:  &errMsg,
	}
}
