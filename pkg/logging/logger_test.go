package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewLoggerRedactsIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Output: &buf})

	logger.Info("Privacy request received", "email", "jane@example.com", "privacy_request_id", "pr-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, Redacted, record["email"])
	assert.Equal(t, "pr-1", record["privacy_request_id"])
}

func TestNewLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Pretty: true, Output: &buf, RedactKeys: []string{}})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown", "email", "jane@example.com")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "jane@example.com")
}
