package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay-svc/app/clients"
	"relay-svc/app/domains"

	"github.com/google/uuid"
)

// CommandService owns the command state machine. Every mutation of an
// existing command goes through a single conditional store update.
type CommandService struct {
	storage clients.StorageAdapter
	logger  *slog.Logger
	now     func() time.Time
}

// NewCommandService creates a new command service
func NewCommandService(storage clients.StorageAdapter, logger *slog.Logger) *CommandService {
	return &CommandService{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// Create validates and stores a new pending command
func (s *CommandService) Create(ctx context.Context, req domains.CommandRequest) (uuid.UUID, error) {
	if err := domains.ValidateTarget(req.Target); err != nil {
		return uuid.Nil, err
	}
	req = req.WithDefaults()
	now := s.now()
	cmd := &domains.Command{
		CommandID: uuid.New(),
		MachineID: req.MachineID,
		Target:    req.Target,
		Command:   req.Command,
		TimeoutMs: req.TimeoutMs,
		Status:    domains.StatusPending,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.storage.InsertCommand(ctx, cmd); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create command for machine %s: %w", req.MachineID, err)
	}

	s.logger.Info("command queued",
		"command_id", cmd.CommandID,
		"machine_id", cmd.MachineID,
		"target_type", cmd.Target.Type,
		"timeout_ms", cmd.TimeoutMs,
	)
	return cmd.CommandID, nil
}

// Get returns the full command record
func (s *CommandService) Get(ctx context.Context, commandID uuid.UUID) (*domains.Command, error) {
	return s.storage.GetCommand(ctx, commandID)
}

// Result returns the caller view of a command
func (s *CommandService) Result(ctx context.Context, commandID uuid.UUID) (*domains.CommandResult, error) {
	cmd, err := s.storage.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return cmd.ToResult(), nil
}

// Stream returns output written after the given byte offsets
func (s *CommandService) Stream(ctx context.Context, commandID uuid.UUID, stdoutOffset, stderrOffset int) (*domains.CommandStream, error) {
	cmd, err := s.storage.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return cmd.ToStream(stdoutOffset, stderrOffset), nil
}

// ListCommands lists commands for admin views
func (s *CommandService) ListCommands(ctx context.Context, filter domains.CommandFilter) ([]domains.Command, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, &domains.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.storage.ListCommands(ctx, filter)
}

// MarkExecuting moves a claimed command to executing. Calling it again on
// an executing command returns the record unchanged.
func (s *CommandService) MarkExecuting(ctx context.Context, commandID uuid.UUID) (*domains.Command, error) {
	cmd, err := s.storage.PatchCommand(ctx, commandID, []domains.CommandStatus{domains.StatusClaimed}, domains.CommandPatch{
		Status:    domains.StatusExecuting,
		UpdatedAt: s.now(),
	})
	if err == nil {
		s.logger.Debug("command executing", "command_id", commandID)
		return cmd, nil
	}

	var conflict *domains.StatusConflictError
	if errors.As(err, &conflict) && conflict.Current == domains.StatusExecuting {
		return s.storage.GetCommand(ctx, commandID)
	}
	return nil, err
}

// RecordPartialOutput replaces the partial output of a running command with
// the given snapshot. A claimed command moves to executing in the same
// update. Nil streams are left as they are.
func (s *CommandService) RecordPartialOutput(ctx context.Context, commandID uuid.UUID, stdout, stderr *string) (*domains.Command, error) {
	return s.storage.PatchCommand(ctx, commandID, domains.SourcesOf(domains.StatusExecuting), domains.CommandPatch{
		Status:        domains.StatusExecuting,
		PartialOutput: stdout,
		PartialStderr: stderr,
		UpdatedAt:     s.now(),
	})
}

// Complete stores the terminal outcome of a command. A command holds at
// most one outcome; later attempts fail with domains.ErrAlreadyTerminal.
func (s *CommandService) Complete(ctx context.Context, commandID uuid.UUID, outcome domains.Outcome) (*domains.Command, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}

	cmd, err := s.storage.PatchCommand(ctx, commandID, domains.SourcesOf(outcome.Status()), outcome.Patch(s.now()))
	if err != nil {
		return nil, err
	}

	s.logger.Info("command finished",
		"command_id", commandID,
		"status", cmd.Status,
		"success", cmd.Succeeded(),
		"exit_code", cmd.ExitCode,
		"duration_ms", cmd.DurationMs,
	)
	return cmd, nil
}

// QueueCommand implements rpc.Backend
func (s *CommandService) QueueCommand(ctx context.Context, req domains.CommandRequest) (uuid.UUID, error) {
	return s.Create(ctx, req)
}

// GetCommandResult implements rpc.Backend
func (s *CommandService) GetCommandResult(ctx context.Context, commandID uuid.UUID) (*domains.CommandResult, error) {
	return s.Result(ctx, commandID)
}
