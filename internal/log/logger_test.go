package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetupWriter("debug", &buf)
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestWithComponent(t *testing.T) {
	buf := capture(t)
	WithComponent("scheduler").Info("hello")

	out := decodeLine(t, buf)
	assert.Equal(t, "scheduler", out["component"])
	assert.Equal(t, "hello", out["msg"])
}

func TestWithTask(t *testing.T) {
	buf := capture(t)
	WithTask("task-123").Info("task msg")

	out := decodeLine(t, buf)
	assert.Equal(t, "task-123", out["task_id"])
}

func TestWithWorker(t *testing.T) {
	buf := capture(t)
	WithWorker(3).Debug("worker msg")

	out := decodeLine(t, buf)
	assert.EqualValues(t, 3, out["worker"])
}

func TestSetupWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter("error", &buf)
	Info("dropped")
	assert.Zero(t, buf.Len())
	Error("kept")
	assert.Contains(t, buf.String(), "kept")
}
