package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&buf)

	logger.Component("ledger").WithChain(137).WithField("rows", 3).Info("batch applied")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, "batch applied", entry.Message)
	assert.Equal(t, "ledger", entry.Fields["component"])
	assert.EqualValues(t, 137, entry.Fields["chainId"])
	assert.EqualValues(t, 3, entry.Fields["rows"])
}

func TestLogger_DerivedLoggersDoNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LevelDebug, FormatText)
	base.SetOutput(&buf)

	_ = base.WithField("a", 1)
	base.Info("plain")

	assert.NotContains(t, buf.String(), `"a"`)
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn, FormatText)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.WithError(assert.AnError).Error("failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "caller=")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestFromContext(t *testing.T) {
	custom := NewLogger(LevelDebug, FormatJSON)
	ctx := WithLogger(context.Background(), custom)

	assert.Same(t, custom, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
