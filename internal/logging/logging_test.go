package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewTo(zapcore.AddSync(&buf), "info", "json")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("batch carved", zap.Int("batch", 3))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "batch carved", entry["msg"])
	assert.Equal(t, 3.0, entry["batch"])
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewTo(zapcore.AddSync(&buf), "DEBUG", "console")
	require.NoError(t, err)

	logger.Debug("pool loaded", zap.Int("records", 40))
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), `{"records": 40}`)
}

func TestInvalidSettings(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}
