package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	output = buf
	mu.Unlock()
	originalLevel := Level(currentLevel.Load())
	originalFormat, _ := currentFormat.Load().(string)

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		mu.Unlock()
		SetLevel(originalLevel.String())
		SetFormat(originalFormat)
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
		assert.True(t, IsDebugEnabled())
	})

	t.Run("InfoLevelFiltersDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")

		Debug("debug message")
		Info("info message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.False(t, IsDebugEnabled())
	})

	t.Run("ErrorLevelFiltersWarn", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")

		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("InvalidLevelIsIgnored", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		SetLevel("LOUD")
		assert.Equal(t, LevelWarn, Level(currentLevel.Load()))
	})
}

func TestPrintfFormatting(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	Info("allocated %s on %s", "00/00/01", "tenant-42")

	assert.Contains(t, buf.String(), "allocated 00/00/01 on tenant-42")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	Warn("usage clamped for %s", "t1")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "usage clamped for t1", entry["msg"])
}

func TestInitWithFile(t *testing.T) {
	_, cleanup := captureOutput()
	defer cleanup()

	path := filepath.Join(t.TempDir(), "shardstore.log")
	require.NoError(t, Init(Config{Level: "DEBUG", Format: "text", Output: path}))
	defer func() {
		mu.Lock()
		if closer != nil {
			_ = closer.Close()
			closer = nil
		}
		mu.Unlock()
	}()

	Debug("written to file")
	assert.FileExists(t, path)
}
