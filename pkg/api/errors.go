// Package api exposes the HTTP surfaces of both planes: the control
// plane's public API and the runner's internal session API.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ai-village/village/pkg/fleet"
	"github.com/ai-village/village/pkg/services"
	"github.com/ai-village/village/pkg/session"
	"github.com/ai-village/village/pkg/store"
	"github.com/ai-village/village/pkg/workspace"
)

// Error codes of the public API.
const (
	CodeBadRequest              = "BAD_REQUEST"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeForbidden               = "FORBIDDEN"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
	CodeSessionLimit            = "SESSION_LIMIT"
	CodeRunnerLimitExceeded     = "RUNNER_LIMIT_EXCEEDED"
	CodeRunnerNotFound          = "RUNNER_NOT_FOUND"
	CodeRunnerHasActiveSessions = "RUNNER_HAS_ACTIVE_SESSIONS"
	CodeUnsupportedProvider     = "UNSUPPORTED_PROVIDER"
	CodeInternalError           = "INTERNAL_ERROR"
)

// ErrorBody is the error envelope of every non-2xx JSON response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeError maps a service-layer error to its HTTP status and error code.
func writeError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		respondError(c, http.StatusBadRequest, CodeBadRequest, "invalid request", validErr.Fields)

	case errors.Is(err, services.ErrNoCapacity),
		errors.Is(err, session.ErrSessionLimit):
		respondError(c, http.StatusConflict, CodeSessionLimit, err.Error(), nil)

	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, session.ErrNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, "session not found", nil)

	case errors.Is(err, fleet.ErrRunnerNotFound):
		respondError(c, http.StatusNotFound, CodeRunnerNotFound, "runner not found", nil)

	case errors.Is(err, fleet.ErrRunnerLimitExceeded):
		respondError(c, http.StatusConflict, CodeRunnerLimitExceeded, err.Error(), nil)

	case errors.Is(err, fleet.ErrRunnerHasActiveSessions):
		respondError(c, http.StatusConflict, CodeRunnerHasActiveSessions, err.Error(), nil)

	case errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, services.ErrSessionNotActive):
		respondError(c, http.StatusConflict, CodeConflict, err.Error(), nil)

	case errors.Is(err, workspace.ErrUnsupportedProvider):
		respondError(c, http.StatusBadRequest, CodeUnsupportedProvider, err.Error(), nil)

	case errors.Is(err, services.ErrRunnerUnavailable):
		respondError(c, http.StatusBadGateway, CodeInternalError, "runner unavailable", nil)

	default:
		slog.Error("Unexpected service error", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, CodeInternalError, "internal server error", nil)
	}
}

func respondError(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{
		Code:    code,
		Message: message,
		Details: details,
	}})
}
