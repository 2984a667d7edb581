package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"relay-svc/app/domains"
	"relay-svc/app/dto"
	"relay-svc/app/utils"

	"github.com/gin-gonic/gin"
)

// respondJSON sends a JSON response
func respondJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// respondError sends an error response
func respondError(c *gin.Context, status int, message string, details map[string]string) {
	c.JSON(status, dto.ErrorResponse{
		Error:   message,
		Details: details,
	})
}

// respondServiceError maps a service error onto a status code. Unknown
// errors are logged and reported without their message.
func respondServiceError(c *gin.Context, logger *slog.Logger, err error) {
	var (
		validation  *domains.ValidationError
		fieldErrors utils.FieldErrors
		conflict    *domains.StatusConflictError
	)

	switch {
	case errors.As(err, &validation):
		respondError(c, http.StatusBadRequest, validation.Message, map[string]string{"field": validation.Field})
	case errors.As(err, &fieldErrors):
		respondError(c, http.StatusBadRequest, "validation failed", fieldErrors)
	case errors.Is(err, domains.ErrCommandNotFound), errors.Is(err, domains.ErrAssignmentNotFound):
		respondError(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, domains.ErrNotClaimant), errors.Is(err, domains.ErrRelayDisabled):
		respondError(c, http.StatusForbidden, err.Error(), nil)
	case errors.As(err, &conflict):
		respondError(c, http.StatusConflict, conflict.Unwrap().Error(), map[string]string{
			"command_id": conflict.CommandID.String(),
			"status":     string(conflict.Current),
		})
	default:
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "internal server error", nil)
	}
}

// bindAndValidate decodes the JSON body into req and validates it
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(req); err != nil {
		var fieldErrors utils.FieldErrors
		if errors.As(err, &fieldErrors) {
			respondError(c, http.StatusBadRequest, "validation failed", fieldErrors)
			return false
		}
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return false
	}
	return true
}
