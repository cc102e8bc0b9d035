package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useLogger swaps the package logger for the duration of a test.
func useLogger(t *testing.T, l *slog.Logger) {
	t.Helper()
	mu.Lock()
	prev := defaultLogger
	defaultLogger = l
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = prev
		mu.Unlock()
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "console", cfg.Mode)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, 50, cfg.MaxSizeMB)
	assert.Equal(t, 3, cfg.MaxBackups)
}

func TestInitFileMode(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		Close()
		slog.SetDefault(prev)
	})

	path := filepath.Join(t.TempDir(), "logs", "csrealtime.log")
	cfg := DefaultConfig()
	cfg.Mode = "file"
	cfg.FilePath = path
	cfg.Format = "json"

	require.NoError(t, Init(cfg))
	Component("manager").Info("subscribed", "kind", "messages")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"subscribed"`)
	assert.Contains(t, out, `"component":"manager"`)
	assert.Contains(t, out, `"kind":"messages"`)
}

func TestInitUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "syslog"
	err := Init(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syslog")
}

func TestCloseWithoutFile(t *testing.T) {
	assert.NoError(t, Close())
}

func TestPackageHelpersRespectLevel(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, slog.New(NewConsoleHandler(&buf, &Config{Format: "text"}, slog.LevelWarn)))

	Debug("hidden debug")
	Info("hidden info")
	Warn("shown warn")
	Error("shown error")
	With("scope", "cust-1").Warn("scoped")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown warn")
	assert.Contains(t, out, "shown error")
	assert.Contains(t, out, "scope=cust-1")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
