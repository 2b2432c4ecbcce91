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
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo,
		"warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.With("component", "query").Warn("shown", "key", "stories")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "query", line["component"])
	assert.Equal(t, "stories", line["key"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}
