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
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestInitWriterEmitsJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := InitWriter(&buf, "info")
	logger.Debug("hidden")
	logger.Info("relay connected", "relay", "wss://nos.lol")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "relay connected", line["msg"])
	assert.Equal(t, "wss://nos.lol", line["relay"])
}

func TestInitWriterFallsBackToEnv(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	t.Setenv("LOG_LEVEL", "error")

	var buf bytes.Buffer
	logger := InitWriter(&buf, "")
	logger.Warn("suppressed")
	assert.Empty(t, buf.String())
}
