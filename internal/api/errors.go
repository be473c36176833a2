package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/batch"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/invoker"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
)

// Error codes for consistent error identification.
const (
	ErrCodeAuthRequired     = "auth_required"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeConflict         = "conflict"
	ErrCodeInternalError    = "internal_error"
	ErrCodeServiceUnavail   = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnprocessableEntity:
		return ErrCodeValidationFailed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var gerr *graph.Error
	switch {
	case errors.Is(err, itemstore.ErrNotFound), errors.Is(err, registry.ErrKindNotFound):
		return http.StatusNotFound
	case errors.As(err, &gerr),
		errors.Is(err, batch.ErrUnknownNode),
		errors.Is(err, batch.ErrUnknownField),
		errors.Is(err, batch.ErrMismatchedLength),
		errors.Is(err, batch.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, invoker.ErrNoWork),
		errors.Is(err, queue.ErrCanceled),
		errors.Is(err, batch.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
