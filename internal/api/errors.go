package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	var ce *apperrors.CategorizedError
	if errors.As(err, &ce) {
		switch ce.Category {
		case apperrors.CategoryValidation:
			return http.StatusBadRequest, ErrCodeInvalidInput, ce.Message
		case apperrors.CategoryNotFound:
			return http.StatusNotFound, ErrCodeNotFound, ce.Message
		case apperrors.CategoryProvider, apperrors.CategoryContention:
			return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "A dependency is unavailable, retry later"
		}
	}
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}

// respondServiceError maps err and logs anything that is not the caller's fault
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Component("api").WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}
	respondError(w, status, code, message, nil)
}
