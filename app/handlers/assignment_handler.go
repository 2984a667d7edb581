package handlers

import (
	"log/slog"
	"net/http"

	"relay-svc/app/dto"
	"relay-svc/app/services"

	"github.com/gin-gonic/gin"
)

// AssignmentHandler handles relay assignment endpoints (admin)
type AssignmentHandler struct {
	assignmentService *services.AssignmentService
	jwtService        *services.JWTService
	logger            *slog.Logger
}

// NewAssignmentHandler creates a new assignment handler
func NewAssignmentHandler(assignmentService *services.AssignmentService, jwtService *services.JWTService, logger *slog.Logger) *AssignmentHandler {
	return &AssignmentHandler{
		assignmentService: assignmentService,
		jwtService:        jwtService,
		logger:            logger,
	}
}

// Assign binds a relay to a machine and returns its token
func (h *AssignmentHandler) Assign(c *gin.Context) {
	var req dto.AssignRelayRequest
	if !bindAndValidate(c, &req) {
		return
	}

	assignment, token, err := h.assignmentService.Assign(c.Request.Context(), req.RelayID, req.MachineID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusCreated, dto.AssignRelayResponse{
		AssignmentResponse: dto.NewAssignmentResponse(assignment),
		Token:              token,
		ExpiresIn:          h.jwtService.ExpiresIn(),
	})
}

// Update enables or disables a relay
func (h *AssignmentHandler) Update(c *gin.Context) {
	var req dto.UpdateAssignmentRequest
	if !bindAndValidate(c, &req) {
		return
	}

	assignment, err := h.assignmentService.SetEnabled(c.Request.Context(), c.Param("relay_id"), *req.Enabled)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	respondJSON(c, http.StatusOK, dto.NewAssignmentResponse(assignment))
}

// List returns every relay assignment
func (h *AssignmentHandler) List(c *gin.Context) {
	assignments, err := h.assignmentService.List(c.Request.Context())
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	resp := dto.AssignmentListResponse{Assignments: make([]dto.AssignmentResponse, len(assignments))}
	for i := range assignments {
		resp.Assignments[i] = dto.NewAssignmentResponse(&assignments[i])
	}
	respondJSON(c, http.StatusOK, resp)
}
