package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/pkg/logger"
)

// Error codes used by the handlers themselves; domain errors carry their own
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInvalidUserID      = "INVALID_USER_ID"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	if reqID, exists := c.Get("request_id"); exists {
		if id, ok := reqID.(string); ok {
			return id
		}
	}
	return ""
}

// requestLogger returns the per-request logger set by the logging middleware
func requestLogger(c *gin.Context, fallback *logger.Logger) *logger.Logger {
	if l, ok := c.Get("logger"); ok {
		if rl, ok := l.(*logger.Logger); ok {
			return rl
		}
	}
	return fallback
}

// respondError sends a standardized error response
func respondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, entities.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// respondBadRequest sends a bad request error
func respondBadRequest(c *gin.Context, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, message, det)
}

// respondDomainError maps the domain error taxonomy onto HTTP statuses
func respondDomainError(c *gin.Context, log *logger.Logger, err error) {
	status := statusForError(err)
	code := domainerrors.GetErrorCode(err)
	message := err.Error()
	details := domainerrors.GetErrorDetails(err)

	switch {
	case status == http.StatusInternalServerError:
		requestLogger(c, log).Errorw("Request failed", "error", err)
		code = ErrCodeInternalError
		message = "Internal server error"
		details = map[string]interface{}{"request_id": getRequestID(c)}
	case domainerrors.IsConflict(err):
		message = "the investment was modified concurrently, please retry"
	case code == "UNKNOWN_ERROR":
		code = fallbackCodes[status]
	}

	respondError(c, status, code, message, details)
}

var fallbackCodes = map[int]string{
	http.StatusBadRequest:         ErrCodeValidationError,
	http.StatusNotFound:           ErrCodeNotFound,
	http.StatusConflict:           ErrCodeConflict,
	http.StatusAccepted:           "PARTIAL_SETTLEMENT",
	http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
}

func statusForError(err error) int {
	switch {
	case domainerrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case domainerrors.IsNotFound(err):
		return http.StatusNotFound
	case domainerrors.IsInvalidState(err), domainerrors.IsConflict(err):
		return http.StatusConflict
	case domainerrors.IsPartialSettlement(err):
		return http.StatusAccepted
	case domainerrors.IsServiceUnavailable(err), domainerrors.IsPriceUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseUserIDParam parses the :userId path parameter
func parseUserIDParam(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidUserID, "Invalid user ID format", nil)
		return uuid.Nil, false
	}
	return userID, true
}
