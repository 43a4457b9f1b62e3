package logger_test

import (
	"bytes"
	"testing"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logger.DebugLevel, logger.ParseLevel("debug"))
	assert.Equal(t, logger.WarnLevel, logger.ParseLevel("warning"))
	assert.Equal(t, logger.WarnLevel, logger.ParseLevel("WARN"))
	assert.Equal(t, logger.ErrorLevel, logger.ParseLevel("error"))
	assert.Equal(t, logger.InfoLevel, logger.ParseLevel(""))
}

func TestInitFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.Init(logger.Options{Level: "warning", IsService: true, Output: &buf}))
	t.Cleanup(func() { logger.SetLogLevel(logger.InfoLevel) })

	logger.Info().Msg("hidden")
	logger.Warn().Str("module", "thermal").Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "thermal")
}

func TestDefaultLoggerErrorWithContext(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logger.Init(logger.Options{Level: "debug", IsService: true, Output: &buf}))
	t.Cleanup(func() { logger.SetLogLevel(logger.InfoLevel) })

	err := errors.New().New(errors.ErrShutdownExhausted)
	logger.Default().ErrorWithContext(err, "emergency", "shutdown").Msg("no mechanism left")

	out := buf.String()
	assert.Contains(t, out, "shutdown_exhausted")
	assert.Contains(t, out, "emergency")
}
