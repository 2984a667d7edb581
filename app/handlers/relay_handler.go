package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"relay-svc/app/dto"
	"relay-svc/app/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultKeepAlive is the interval between SSE keep-alive comments
const DefaultKeepAlive = 15 * time.Second

// RelayHandler serves the endpoints relays call. Every route runs behind
// RelayAuth, so the relay and machine ids come from the token.
type RelayHandler struct {
	commandService  *services.CommandService
	deliveryService *services.DeliveryService
	logger          *slog.Logger
	keepAlive       time.Duration
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(commandService *services.CommandService, deliveryService *services.DeliveryService, logger *slog.Logger, keepAlive time.Duration) *RelayHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &RelayHandler{
		commandService:  commandService,
		deliveryService: deliveryService,
		logger:          logger,
		keepAlive:       keepAlive,
	}
}

// ListPending handles the pull path
func (h *RelayHandler) ListPending(c *gin.Context) {
	_, machineID := relayIdentity(c)

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = l
	}

	pending, err := h.deliveryService.ListPendingFor(c.Request.Context(), machineID, limit)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewCommandListResponse(pending))
}

// Subscribe handles the push path as a server-sent event stream. Each
// "pending" event carries the full pending list for the relay's machine.
func (h *RelayHandler) Subscribe(c *gin.Context) {
	relayID, machineID := relayIdentity(c)
	ctx := c.Request.Context()

	updates, err := h.deliveryService.SubscribePendingFor(ctx, machineID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	h.logger.Info("relay subscribed", "relay_id", relayID, "machine_id", machineID)
	defer h.logger.Info("relay unsubscribed", "relay_id", relayID, "machine_id", machineID)

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case pending, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("pending", dto.NewCommandListResponse(pending))
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

// Claim takes ownership of a pending command
func (h *RelayHandler) Claim(c *gin.Context) {
	commandID, ok := parseCommandID(c)
	if !ok {
		return
	}
	relayID, machineID := relayIdentity(c)
	ctx := c.Request.Context()

	if _, err := h.commandService.AuthorizeRelay(ctx, commandID, relayID, machineID, true); err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	cmd, err := h.commandService.Claim(ctx, commandID, relayID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewCommandResponse(cmd))
}

// MarkExecuting records that the relay started running the command
func (h *RelayHandler) MarkExecuting(c *gin.Context) {
	commandID, ok := h.authorizeClaimant(c)
	if !ok {
		return
	}

	cmd, err := h.commandService.MarkExecuting(c.Request.Context(), commandID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewCommandResponse(cmd))
}

// RecordOutput stores the output captured so far
func (h *RelayHandler) RecordOutput(c *gin.Context) {
	commandID, ok := h.authorizeClaimant(c)
	if !ok {
		return
	}

	var req dto.PartialOutputRequest
	if !bindAndValidate(c, &req) {
		return
	}

	cmd, err := h.commandService.RecordPartialOutput(c.Request.Context(), commandID, req.PartialOutput, req.PartialStderr)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewCommandResponse(cmd))
}

// Complete stores the relay's final report
func (h *RelayHandler) Complete(c *gin.Context) {
	commandID, ok := h.authorizeClaimant(c)
	if !ok {
		return
	}

	var req dto.CompleteRequest
	if !bindAndValidate(c, &req) {
		return
	}

	cmd, err := h.commandService.Complete(c.Request.Context(), commandID, req.ToOutcome())
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewCommandResponse(cmd))
}

func (h *RelayHandler) authorizeClaimant(c *gin.Context) (uuid.UUID, bool) {
	id, ok := parseCommandID(c)
	if !ok {
		return id, false
	}
	relayID, machineID := relayIdentity(c)

	if _, err := h.commandService.AuthorizeRelay(c.Request.Context(), id, relayID, machineID, false); err != nil {
		respondServiceError(c, h.logger, err)
		return id, false
	}
	return id, true
}
