// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vortexops/webpilot/internal/config"
)

// resetLogger rearms the once so each test can initialize from scratch.
// The logger is a process-global singleton.
func resetLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

func TestConsoleFormat(t *testing.T) {
	resetLogger()
	var buf bytes.Buffer

	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "webpilot-test",
	}, zapcore.AddSync(&buf))

	GetLogger().Info("console message")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "console message")
	assert.Contains(t, out, levelColors[zapcore.InfoLevel], "info level is colorized")
	assert.Contains(t, out, colorReset)
	assert.Contains(t, out, "webpilot-test.", "component name carries the dot suffix")
}

func TestJSONFormat(t *testing.T) {
	resetLogger()
	var buf bytes.Buffer

	Initialize(config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "jsontest",
	}, zapcore.AddSync(&buf))

	GetLogger().Warn("structured message", zap.String("key", "value"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output should be one JSON object")
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "jsontest", entry["logger"])
	assert.Equal(t, "structured message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestLogFileSink(t *testing.T) {
	resetLogger()
	logFile := filepath.Join(t.TempDir(), "webpilot.log")

	Initialize(config.LoggerConfig{
		Level:   "debug",
		Format:  "json",
		LogFile: logFile,
		MaxSize: 1,
	}, zapcore.AddSync(&bytes.Buffer{}))

	GetLogger().Error("file-bound entry")
	Sync()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "file-bound entry")
}

func TestInitializeRunsOnce(t *testing.T) {
	resetLogger()
	var buf bytes.Buffer

	Initialize(config.LoggerConfig{Level: "info", ServiceName: "first"}, zapcore.AddSync(&buf))
	first := GetLogger()

	Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, zapcore.AddSync(&buf))
	second := GetLogger()

	assert.Same(t, first, second)
	second.Info("once check")
	assert.True(t, strings.Contains(buf.String(), "first"))
	assert.False(t, strings.Contains(buf.String(), "second"))
}

func TestGetLoggerFallback(t *testing.T) {
	resetLogger()
	require.NotNil(t, GetLogger(), "uninitialized GetLogger falls back instead of returning nil")

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", ServiceName: "real"}, zapcore.AddSync(&buf))
	assert.Same(t, globalLogger.Load(), GetLogger())
}
