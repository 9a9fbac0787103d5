// Package errors classifies failures so job handlers can decide between
// retrying, dead-lettering, and ignoring.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryContention represents Postgres serialization failures and deadlocks
	CategoryContention ErrorCategory = "contention"
	// CategoryProvider represents RPC provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents other database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryWebhook represents outbound webhook delivery errors
	CategoryWebhook ErrorCategory = "webhook"
	// CategoryValidation represents malformed input
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing records
	CategoryNotFound ErrorCategory = "not_found"
)

// Postgres SQLSTATE codes treated as write contention.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// CategorizedError carries a category alongside a code and the wrapped cause
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewContentionError wraps a serialization or deadlock failure
func NewContentionError(op string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryContention,
		Code:     "WRITE_CONTENTION",
		Message:  fmt.Sprintf("%s hit write contention", op),
		Details:  map[string]interface{}{"operation": op},
		Cause:    cause,
	}
}

// NewDatabaseError wraps a database failure
func NewDatabaseError(op string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDatabase,
		Code:     "DATABASE_ERROR",
		Message:  fmt.Sprintf("database operation failed: %s", op),
		Details:  map[string]interface{}{"operation": op},
		Cause:    cause,
	}
}

// NewProviderError wraps an RPC failure
func NewProviderError(chainID int64, op string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryProvider,
		Code:     "PROVIDER_ERROR",
		Message:  fmt.Sprintf("chain %d: %s failed", chainID, op),
		Details:  map[string]interface{}{"chainId": chainID, "operation": op},
		Cause:    cause,
	}
}

// NewWebhookError describes a delivery that did not get a 2xx/3xx answer
func NewWebhookError(url string, status int, cause error) *CategorizedError {
	msg := fmt.Sprintf("webhook %s answered %d", url, status)
	if status == 0 {
		msg = fmt.Sprintf("webhook %s unreachable", url)
	}
	return &CategorizedError{
		Category: CategoryWebhook,
		Code:     "WEBHOOK_DELIVERY_FAILED",
		Message:  msg,
		Details:  map[string]interface{}{"url": url, "status": status},
		Cause:    cause,
	}
}

// NewValidationError creates a validation error
func NewValidationError(field, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "INVALID_PARAMETER",
		Message:  fmt.Sprintf("invalid parameter '%s': %s", field, reason),
		Details:  map[string]interface{}{"parameter": field, "reason": reason},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Details:  map[string]interface{}{"resource": resource, "id": id},
	}
}

// CategoryOf returns the category of the first CategorizedError in the chain,
// classifying raw Postgres contention errors on the way.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if stderrors.As(err, &ce) {
		return ce.Category
	}
	if IsContention(err) {
		return CategoryContention
	}
	return ""
}

// IsContention reports whether err is a Postgres serialization failure or deadlock
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	var ce *CategorizedError
	if stderrors.As(err, &ce) {
		return ce.Category == CategoryContention
	}
	return false
}

// IsRetryable reports whether a job failing with err should be attempted again.
// Validation and not-found failures are permanent; everything else, including
// unclassified errors, is left to the queue's retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	switch CategoryOf(err) {
	case CategoryValidation, CategoryNotFound:
		return false
	}
	return true
}

// Is and As re-export the standard helpers so callers need one errors import.
var (
	Is  = stderrors.Is
	As  = stderrors.As
	New = stderrors.New
)
