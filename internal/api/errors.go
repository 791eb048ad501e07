package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/voicepool/internal/pool"
	"github.com/p-arndt/voicepool/internal/session"
	"github.com/p-arndt/voicepool/internal/store"
)

// Error codes returned in API responses
const (
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodePoolExhausted     = "POOL_EXHAUSTED"
	ErrCodeWorkerSpawnFailed = "WORKER_SPAWN_FAILED"
	ErrCodeShuttingDown      = "SHUTTING_DOWN"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeFeatureDisabled   = "FEATURE_DISABLED"
)

// noRoomsMessage is the exhaustion body existing clients match on.
const noRoomsMessage = "No available rooms"

// APIError represents a structured API error response
type APIError struct {
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		apiErr = APIError{
			Code:    ErrCodeSessionNotFound,
			Message: err.Error(),
		}
		statusCode = http.StatusNotFound

	case errors.Is(err, pool.ErrExhausted), errors.Is(err, pool.ErrClosed):
		apiErr = APIError{
			Error:   noRoomsMessage,
			Code:    ErrCodePoolExhausted,
			Message: err.Error(),
		}
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, session.ErrShuttingDown):
		apiErr = APIError{
			Code:    ErrCodeShuttingDown,
			Message: err.Error(),
		}
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, session.ErrWorkerSpawn):
		apiErr = APIError{
			Code:    ErrCodeWorkerSpawnFailed,
			Message: err.Error(),
		}
		statusCode = http.StatusInternalServerError

	case errors.Is(err, session.ErrInvalidTransition):
		apiErr = APIError{
			Code:    ErrCodeInvalidTransition,
			Message: err.Error(),
		}
		statusCode = http.StatusConflict

	default:
		apiErr = APIError{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		}
	}

	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusCode, apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

func writeDisabledError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, APIError{
		Code:    ErrCodeFeatureDisabled,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
