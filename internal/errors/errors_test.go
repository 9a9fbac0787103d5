package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsContention(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("apply batch: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"categorized contention", NewContentionError("addEvents", nil), true},
		{"plain error", New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsContention(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", fmt.Errorf("job: %w", context.Canceled), false},
		{"validation", NewValidationError("address", "not hex"), false},
		{"not found", NewNotFoundError("transaction", "0xabc"), false},
		{"webhook", NewWebhookError("https://hook", 502, nil), true},
		{"provider", NewProviderError(1, "FilterLogs", New("timeout")), true},
		{"unknown", New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := New("connection reset")
	err := fmt.Errorf("save block: %w", NewDatabaseError("SaveBlock", cause))

	assert.True(t, Is(err, cause))
	assert.Equal(t, CategoryDatabase, CategoryOf(err))
	assert.Contains(t, err.Error(), "caused by: connection reset")
}

func TestNewWebhookError_Unreachable(t *testing.T) {
	err := NewWebhookError("https://hook", 0, New("dial tcp"))
	assert.Contains(t, err.Message, "unreachable")
	assert.Equal(t, CategoryWebhook, err.Category)
}
