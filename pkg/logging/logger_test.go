/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logger_test.go
Description: Unit tests for the logging system. Tests configuration
validation, file output with the runtime helpers, old-file cleanup, and the
runtime formatter's prefixes and field formatting.
*/

package logging_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kleascm/akaylee-runtime/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoggerConfigValidate tests rejection of invalid configurations
func TestLoggerConfigValidate(t *testing.T) {
	valid := func() *logging.LoggerConfig {
		return &logging.LoggerConfig{
			Level:     logging.LogLevelInfo,
			Format:    logging.LogFormatCustom,
			OutputDir: "./logs",
			MaxFiles:  5,
			MaxSize:   1024,
		}
	}

	assert.NoError(t, valid().Validate())

	c := valid()
	c.OutputDir = ""
	assert.Error(t, c.Validate())

	c = valid()
	c.Format = "xml"
	assert.Error(t, c.Validate())

	c = valid()
	c.Level = "loud"
	assert.Error(t, c.Validate())

	c = valid()
	c.MaxFiles = 0
	assert.Error(t, c.Validate())
}

// TestLoggerHelpersWriteToFile tests that the runtime helpers reach the
// timestamped log file through the custom formatter
func TestLoggerHelpersWriteToFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.LogLevelDebug,
		Format:    logging.LogFormatCustom,
		OutputDir: dir,
		MaxFiles:  5,
		MaxSize:   1 << 20,
		Timestamp: true,
	})
	require.NoError(t, err)

	logger.LogIteration("proxy-1234-abcd", 42, 3, 15*time.Millisecond)
	logger.LogTermination("proxy-1234-abcd", "bad-malloc", 200)
	logger.LogNewFeatures("deadbeefcafe", 7)
	logger.LogModuleRegistration("deadbeefcafe", 4096, 2)
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(dir, "akaylee-runtime_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "[ITER] Iteration completed")
	assert.Contains(t, out, "[EXIT] Target terminated")
	assert.Contains(t, out, "[COVERAGE] Coverage updated")
	assert.Contains(t, out, "[MODULE] Module registered")
	assert.Contains(t, out, "exit_code=200")
}

// TestLoggerCleanupRemovesOldest tests that Close prunes log files past
// the configured maximum, oldest first
func TestLoggerCleanupRemovesOldest(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "akaylee-runtime_2026-01-01_00-00-00.log")
	mid := filepath.Join(dir, "akaylee-runtime_2026-01-02_00-00-00.log")
	require.NoError(t, os.WriteFile(old, []byte("old\n"), 0644))
	require.NoError(t, os.WriteFile(mid, []byte("mid\n"), 0644))
	require.NoError(t, os.Chtimes(old, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(mid, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	logger, err := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.LogLevelInfo,
		Format:    logging.LogFormatText,
		OutputDir: dir,
		MaxFiles:  2,
		MaxSize:   1 << 20,
	})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(dir, "akaylee-runtime_*.log"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.NoFileExists(t, old)
	assert.FileExists(t, mid)
}

// TestRuntimeFormatterPrefixes tests the message-to-prefix mapping
func TestRuntimeFormatterPrefixes(t *testing.T) {
	f := &logging.RuntimeFormatter{ShowCoverage: true}

	cases := []struct {
		message string
		prefix  string
	}{
		{"Iteration completed", "[ITER]"},
		{"Crash detected", "[CRASH]"},
		{"Still waiting", "[HANG]"},
		{"Coverage updated", "[COVERAGE]"},
		{"Target terminated", "[EXIT]"},
		{"Module registered", "[MODULE]"},
		{"Engine started", "[ENGINE]"},
	}

	for _, tc := range cases {
		entry := &logrus.Entry{
			Logger:  logrus.New(),
			Level:   logrus.InfoLevel,
			Message: tc.message,
			Time:    time.Now(),
		}
		out, err := f.Format(entry)
		require.NoError(t, err)
		assert.Contains(t, string(out), tc.prefix, tc.message)
	}
}

// TestRuntimeFormatterFields tests runtime-specific field formatting and
// the coverage field filter
func TestRuntimeFormatterFields(t *testing.T) {
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Level:   logrus.InfoLevel,
		Message: "Iteration completed",
		Time:    time.Now(),
		Data: logrus.Fields{
			"proxy":        "0123456789abcdef",
			"duration":     250 * time.Millisecond,
			"new_features": 5,
		},
	}

	f := &logging.RuntimeFormatter{ShowCoverage: true}
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "proxy=01234567...")
	assert.Contains(t, string(out), "duration=250ms")
	assert.Contains(t, string(out), "new_features=5")

	f = &logging.RuntimeFormatter{ShowCoverage: false}
	out, err = f.Format(entry)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "new_features")
}
