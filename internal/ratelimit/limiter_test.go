package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PriorityHigh, PriorityFrom(ctx))
	assert.Equal(t, PriorityLow, PriorityFrom(WithPriority(ctx, PriorityLow)))
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", Priority(7).String())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{ChainID: 1, RequestsPerSecond: 25, BackfillPct: 60}, false},
		{"zero rps", Config{ChainID: 1, RequestsPerSecond: 0, BackfillPct: 60}, true},
		{"pct above 100", Config{ChainID: 1, RequestsPerSecond: 10, BackfillPct: 101}, true},
		{"negative pct", Config{ChainID: 1, RequestsPerSecond: 10, BackfillPct: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLimiter_BackfillShareIsCapped(t *testing.T) {
	l, err := NewLimiter(Config{ChainID: 1, RequestsPerSecond: 10, BackfillPct: 50})
	require.NoError(t, err)

	allowedLow := 0
	for i := 0; i < 10; i++ {
		if l.Allow(PriorityLow) {
			allowedLow++
		}
	}
	assert.Equal(t, 5, allowedLow)

	// the remaining budget is still there for realtime
	allowedHigh := 0
	for i := 0; i < 10; i++ {
		if l.Allow(PriorityHigh) {
			allowedHigh++
		}
	}
	assert.Equal(t, 5, allowedHigh)
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l, err := NewLimiter(Config{ChainID: 1, RequestsPerSecond: 1, BackfillPct: 10})
	require.NoError(t, err)

	ctx := WithPriority(context.Background(), PriorityLow)
	require.NoError(t, l.Wait(ctx))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
