package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/app/rpc"
	"relay-svc/app/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CommandHandler handles caller-facing command endpoints
type CommandHandler struct {
	commandService *services.CommandService
	logger         *slog.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(commandService *services.CommandService, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		commandService: commandService,
		logger:         logger,
	}
}

// CreateCommand queues a command and returns its id without waiting
func (h *CommandHandler) CreateCommand(c *gin.Context) {
	var req dto.CreateCommandRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	commandID, err := rpc.ExecAsync(c.Request.Context(), h.commandService, req.ToDomain())
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusCreated, dto.CreateCommandResponse{
		CommandID: commandID.String(),
	})
}

// ExecCommand queues a command and blocks until it finishes or times out
func (h *CommandHandler) ExecCommand(c *gin.Context) {
	var req dto.ExecRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	ctx := c.Request.Context()
	res, err := rpc.Exec(ctx, h.commandService, req.ToDomain(), rpc.Options{
		Timeout:      req.Timeout(),
		PollInterval: req.PollInterval(),
		Retries:      req.Retries,
		RetryDelay:   req.RetryDelay(),
		Logger:       h.logger,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Caller went away; nobody is listening for a response
			c.Abort()
			return
		}
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, res)
}

// GetCommand returns the result view of a command
func (h *CommandHandler) GetCommand(c *gin.Context) {
	commandID, ok := parseCommandID(c)
	if !ok {
		return
	}

	res, err := h.commandService.Result(c.Request.Context(), commandID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, res)
}

// StreamCommand returns output produced after the given offsets
func (h *CommandHandler) StreamCommand(c *gin.Context) {
	commandID, ok := parseCommandID(c)
	if !ok {
		return
	}

	stdoutOffset, err := parseOffset(c.Query("stdout_offset"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid stdout_offset", nil)
		return
	}
	stderrOffset, err := parseOffset(c.Query("stderr_offset"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid stderr_offset", nil)
		return
	}

	stream, err := h.commandService.Stream(c.Request.Context(), commandID, stdoutOffset, stderrOffset)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, stream)
}

// ListCommands lists commands (admin)
func (h *CommandHandler) ListCommands(c *gin.Context) {
	limit := defaultListLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxListLimit {
			limit = l
		}
	}

	commands, err := h.commandService.ListCommands(c.Request.Context(), domains.CommandFilter{
		MachineID: c.Query("machine_id"),
		Status:    domains.CommandStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewCommandListResponse(commands))
}

func parseCommandID(c *gin.Context) (uuid.UUID, bool) {
	commandID, err := uuid.Parse(c.Param("command_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid command_id", nil)
		return uuid.Nil, false
	}
	return commandID, true
}

func parseOffset(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative offset")
	}
	return n, nil
}
