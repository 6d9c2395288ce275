package api

import (
	"errors"
	"net/http"

	"agentcoord/internal/auth"
	"agentcoord/internal/coordination"
	"agentcoord/internal/lease"
	"agentcoord/internal/logger"
	"agentcoord/internal/pipeline"
	"agentcoord/internal/routing"
	"agentcoord/internal/runs"
	"agentcoord/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Stable error codes returned in the "code" field.
const (
	CodeUnauthorized      = "unauthorized"
	CodeValidation        = "validation_failed"
	CodeLeaseConflict     = "lease_conflict"
	CodeLeaseLost         = "lease_lost"
	CodeNotFound          = "not_found"
	CodeIllegalTransition = "illegal_transition"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

// MapError returns the HTTP status and code for err.
func MapError(err error) (int, string) {
	switch {
	case errors.Is(err, coordination.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrNoSigningKey):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, coordination.ErrValidation),
		errors.Is(err, pipeline.ErrUnknownStage),
		errors.Is(err, runs.ErrRunBelongsToOtherTask):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, lease.ErrLeaseConflict):
		return http.StatusConflict, CodeLeaseConflict
	case errors.Is(err, lease.ErrLeaseNotActive):
		return http.StatusConflict, CodeLeaseLost
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, lease.ErrLeaseNotFound),
		errors.Is(err, routing.ErrLimitNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, pipeline.ErrIllegalTransition),
		errors.Is(err, pipeline.ErrPromptRequired),
		errors.Is(err, pipeline.ErrCompleted):
		return http.StatusUnprocessableEntity, CodeIllegalTransition
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError sends {"error", "code"}, plus the reachable stages for an
// illegal transition. Internal failures are logged and their message
// hidden.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := MapError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context(), h.log).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err)
		msg = "internal error"
	}
	body := gin.H{"error": msg, "code": code}
	var te *pipeline.TransitionError
	if errors.As(err, &te) {
		body["allowed"] = pipeline.Next(te.From)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": CodeValidation})
}
