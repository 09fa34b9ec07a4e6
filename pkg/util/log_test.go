package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("chatty"))
	assert.Equal(t, zap.InfoLevel, ParseLevel(""))
}

func TestNewLoggerWithFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := NewLoggerWithFile(path, "warn")
	require.NoError(t, err)

	logger.Sugar().Infow("below_level")
	logger.Sugar().Warnw("order_rejected", "pair", "BTC-USDT")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "order_rejected", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "BTC-USDT", entry["pair"])
	assert.Contains(t, entry, "ts")
}

func TestNewLoggerWithoutFile(t *testing.T) {
	logger, err := NewLoggerWithFile("", "info")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
