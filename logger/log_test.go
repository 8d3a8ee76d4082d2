package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_Levels(t *testing.T) {
	t.Run("verbose enables debug level", func(t *testing.T) {
		var buf bytes.Buffer
		SetupLogger(&buf, true)
		Logger.Debug("debug message")
		assert.Contains(t, buf.String(), "debug message")
	})

	t.Run("non-verbose suppresses debug level", func(t *testing.T) {
		var buf bytes.Buffer
		SetupLogger(&buf, false)
		Logger.Debug("should not appear")
		assert.NotContains(t, buf.String(), "should not appear")
	})
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, true)

	log := WithRequestID("req-123")
	log.Info("hello")

	assert.Contains(t, buf.String(), "req-123")
}

func TestWithRequestID_NilLoggerFallsBackToDefault(t *testing.T) {
	saved := Logger
	Logger = nil
	defer func() { Logger = saved }()

	log := WithRequestID("req-456")
	assert.NotNil(t, log)
	assert.IsType(t, &slog.Logger{}, log)
}

func TestSetupLogWriter(t *testing.T) {
	t.Run("empty path writes to stdout", func(t *testing.T) {
		w, f, err := SetupLogWriter("")
		require.NoError(t, err)
		assert.Nil(t, f)
		assert.Equal(t, os.Stdout, w)
	})

	t.Run("path creates file and directory", func(t *testing.T) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "nested", "service.log")

		w, f, err := SetupLogWriter(logPath)
		require.NoError(t, err)
		require.NotNil(t, f)
		defer f.Close()
		assert.NotNil(t, w)

		_, statErr := os.Stat(logPath)
		assert.NoError(t, statErr)
	})
}
