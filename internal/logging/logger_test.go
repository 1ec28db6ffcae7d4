package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sanspareilsmyn/triggeredavg/internal/config"
)

func TestNewLogger_FileOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, err := NewLogger(config.LogConfig{
		Level:              "info",
		Format:             FormatNone,
		FileLoggingEnabled: true,
		Directory:          dir,
		Filename:           "test.log",
		MaxSize:            1,
	})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Capture folded", zap.Int("trials", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "Capture folded", entry["msg"])
	assert.Equal(t, 3.0, entry["trials"])
}

func TestNewLogger_NoOutputs(t *testing.T) {
	_, err := NewLogger(config.LogConfig{Level: "info", Format: FormatNone})
	assert.ErrorIs(t, err, ErrNoOutputs)
}

func TestNewLogger_DevelopmentPanicsOnDPanic(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: FormatJSON})
	require.NoError(t, err)
	assert.Panics(t, func() { logger.DPanic("invalid request") })

	logger, err = NewLogger(config.LogConfig{Level: "warn", Format: FormatJSON})
	require.NoError(t, err)
	assert.NotPanics(t, func() { logger.DPanic("invalid request") })
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	level, err = parseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)
}
