// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/cartographer/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type bufferSyncer struct{ bytes.Buffer }

func (b *bufferSyncer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console output is colorized", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()

		var buf bufferSyncer
		Initialize(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "test", Color: true}, &buf)
		GetLogger().Info("hello console")
		Sync()

		out := buf.String()
		assert.Contains(t, out, "hello console")
		assert.Contains(t, out, levelColors[zapcore.InfoLevel]+"INFO"+colorReset)
		assert.Contains(t, out, "test.")
	})

	t.Run("json output carries fields", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()

		var buf bufferSyncer
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &buf)
		GetLogger().Info("structured", zap.String("page", "/home"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "structured", entry["msg"])
		assert.Equal(t, "/home", entry["page"])
		assert.Equal(t, "INFO", entry["level"])
	})

	t.Run("level filtering", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()

		var buf bufferSyncer
		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, &buf)
		GetLogger().Info("dropped")
		GetLogger().Warn("kept")
		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("only the first call wins", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()

		var first, second bufferSyncer
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &second)
		GetLogger().Info("once")
		assert.Contains(t, first.String(), "once")
		assert.Empty(t, second.String())
	})

	t.Run("file output is json", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()

		logFile := filepath.Join(t.TempDir(), "run.log")
		var buf bufferSyncer
		Initialize(config.LoggerConfig{Level: "info", Format: "console", LogFile: logFile, MaxSize: 1}, &buf)
		GetLogger().Info("to file")
		Sync()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		line := strings.TrimSpace(string(data))
		assert.True(t, strings.HasPrefix(line, "{"), "file log should be JSON")
		assert.Contains(t, line, "to file")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
}
