package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureExit(t *testing.T) *int {
	t.Helper()
	code := -1
	prev := exit
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = prev })
	return &code
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Format: "json", Output: &buf})

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	registryLogger := Component(logger, "registry")
	registryLogger.Warn().Msg("kept")
	line := decode(t, &buf)
	assert.Equal(t, ServiceName, line["service"])
	assert.Equal(t, "registry", line["component"])
	assert.Equal(t, "kept", line["message"])
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger(Config{Level: "chatty", Output: &bytes.Buffer{}})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestFatal_ExitsWithOne(t *testing.T) {
	code := captureExit(t)
	var buf bytes.Buffer
	logger := NewLogger(Config{Output: &buf})

	Fatal(logger, errors.New("broker down"), "Failed to connect")

	assert.Equal(t, 1, *code)
	line := decode(t, &buf)
	assert.Equal(t, "fatal", line["level"])
	assert.Equal(t, "broker down", line["error"])
	assert.NotEmpty(t, line["stack_trace"])
}

func TestLogPanic_DoesNotExit(t *testing.T) {
	code := captureExit(t)
	var buf bytes.Buffer

	LogPanic(NewLogger(Config{Output: &buf}), "write_pump", "boom")

	assert.Equal(t, -1, *code)
	line := decode(t, &buf)
	assert.Equal(t, "fatal", line["level"])
	assert.Equal(t, "write_pump", line["where"])
	assert.Equal(t, "boom", line["panic_value"])
	assert.NotEmpty(t, line["stack_trace"])
}

func TestFatalOnPanic(t *testing.T) {
	code := captureExit(t)
	var buf bytes.Buffer
	logger := NewLogger(Config{Output: &buf})

	func() {
		defer FatalOnPanic(logger, "main")
		panic("bad state")
	}()

	assert.Equal(t, 1, *code)
	assert.Equal(t, "main", decode(t, &buf)["where"])
}

func TestFatalOnPanic_NoPanic(t *testing.T) {
	code := captureExit(t)
	var buf bytes.Buffer

	func() {
		defer FatalOnPanic(NewLogger(Config{Output: &buf}), "main")
	}()

	assert.Equal(t, -1, *code)
	assert.Zero(t, buf.Len())
}
