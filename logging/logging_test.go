package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := build(Options{Level: "info"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("model loaded", zap.String("subject", "diabetes"))
	require.NoError(t, closeFn())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "model loaded", entry["msg"])
	assert.Equal(t, "diabetes", entry["subject"])
	assert.Equal(t, "info", entry["level"])
}

func TestBuildDevelopmentDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := build(Options{Level: "debug", Development: true}, &buf)
	require.NoError(t, err)

	logger.Debug("cache miss")
	require.NoError(t, closeFn())
	assert.Contains(t, buf.String(), "cache miss")
	assert.Contains(t, buf.String(), "DEBUG")
}

func TestBuildWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskscreen.log")
	var buf bytes.Buffer
	logger, closeFn, err := build(Options{Level: "warn", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("explainer missing", zap.String("subject", "heart_disease"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "explainer missing")
	assert.NotContains(t, string(data), "dropped")
}

func TestBuildBadLevel(t *testing.T) {
	_, _, err := build(Options{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
