package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected []string
	}{
		{"debug", []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{"info", []string{"INFO", "WARN", "ERROR"}},
		{"warning", []string{"WARN", "ERROR"}},
		{"error", []string{"ERROR"}},
		{"bogus", []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := New(&Config{Level: tt.level, Format: "json", writer: &buf})
			require.NoError(t, err)

			l.Debug("lease renewed")
			l.Info("job queued")
			l.Warn("attempt failed")
			l.Error("job failed")

			var levels []string
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var record map[string]any
				require.NoError(t, json.Unmarshal([]byte(line), &record))
				levels = append(levels, record["level"].(string))
			}
			assert.Equal(t, tt.expected, levels)
		})
	}
}

func TestNew_JSONAttributes(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: &buf})
	require.NoError(t, err)

	l.Info("Job finished", slog.String("job_key", "abc"), slog.Int("attempt_count", 2))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Job finished", record["msg"])
	assert.Equal(t, "abc", record["job_key"])
	assert.EqualValues(t, 2, record["attempt_count"])
	assert.Contains(t, record, "source")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "info", Format: "console", writer: &buf})
	require.NoError(t, err)

	l.Info("Worker started", slog.Int("concurrency", 8))

	out := buf.String()
	assert.Contains(t, out, "Worker started")
	assert.Contains(t, out, "concurrency")
	assert.False(t, json.Valid(buf.Bytes()), "console output must not be JSON")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	l, err := New(&Config{Level: "info", Format: "console", Output: path})
	require.NoError(t, err)
	l.Info("first")
	require.NoError(t, l.Close())

	// Reopening appends.
	l, err = New(&Config{Level: "info", Format: "console", Output: path})
	require.NoError(t, err)
	l.Info("second")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
	assert.NotContains(t, string(data), "\x1b[", "log files carry no color codes")
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestClose_StdoutIsNoop(t *testing.T) {
	l, err := New(&Config{Output: "stderr"})
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
