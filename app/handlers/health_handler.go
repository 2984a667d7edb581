package handlers

import (
	"context"
	"net/http"
	"time"

	"relay-svc/app/clients"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	storage clients.StorageAdapter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(storage clients.StorageAdapter) *HealthHandler {
	return &HealthHandler{storage: storage}
}

// Health handles health check
func (h *HealthHandler) Health(c *gin.Context) {
	respondJSON(c, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles readiness check
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.storage.Ping(ctx); err != nil {
		respondJSON(c, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "storage unreachable",
		})
		return
	}

	respondJSON(c, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
