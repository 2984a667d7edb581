package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relay-svc/app/domains"
	"relay-svc/app/services"

	"github.com/gin-gonic/gin"
)

const (
	ctxRelayID   = "relay_id"
	ctxMachineID = "machine_id"
)

// RequestLogger logs one line per request
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if relayID := c.GetString(ctxRelayID); relayID != "" {
			attrs = append(attrs, "relay_id", relayID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	}
}

// RelayAuth authenticates relay requests by bearer token
func RelayAuth(assignmentService *services.AssignmentService, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || token == "" {
			respondError(c, http.StatusUnauthorized, "missing bearer token", nil)
			c.Abort()
			return
		}

		assignment, err := assignmentService.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, domains.ErrRelayDisabled) {
				respondError(c, http.StatusForbidden, err.Error(), nil)
			} else {
				logger.Debug("relay authentication failed", "error", err)
				respondError(c, http.StatusUnauthorized, "invalid token", nil)
			}
			c.Abort()
			return
		}

		c.Set(ctxRelayID, assignment.RelayID)
		c.Set(ctxMachineID, assignment.MachineID)
		c.Next()
	}
}

// relayIdentity returns the ids RelayAuth stored on the context
func relayIdentity(c *gin.Context) (relayID, machineID string) {
	return c.GetString(ctxRelayID), c.GetString(ctxMachineID)
}
