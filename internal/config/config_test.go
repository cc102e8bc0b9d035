package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "csrealtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, TransportSocket, cfg.Transport)
	assert.Equal(t, "messages", cfg.Tables.Messages)
	assert.Equal(t, "chat_sessions", cfg.Tables.Sessions)
	assert.Equal(t, "agent_status", cfg.Tables.AgentStatus)
	assert.Equal(t, 15*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Realtime.StaleAfter)
	assert.Equal(t, 5, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, 1000, cfg.Realtime.DedupCapacity)
	assert.Equal(t, 500, cfg.Realtime.DedupTrim)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "none", cfg.Metrics.Exporter)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
url: https://project.example.co
api_key: anon-key
agent: true
tables:
  sessions: support_sessions
realtime:
  heartbeat_interval: 5s
  max_reconnect_attempts: 3
log:
  level: debug
  format: json
metrics:
  exporter: stdout
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://project.example.co", cfg.URL)
	assert.Equal(t, "anon-key", cfg.APIKey)
	assert.True(t, cfg.Agent)
	assert.Equal(t, "support_sessions", cfg.Tables.Sessions)
	assert.Equal(t, "messages", cfg.Tables.Messages, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Realtime.StaleAfter)
	assert.Equal(t, 3, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "stdout", cfg.Metrics.Exporter)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "url: https://from-file.example.co\napi_key: file-key\n")
	t.Setenv("CSREALTIME_API_KEY", "env-key")
	t.Setenv("CSREALTIME_AGENT", "true")
	t.Setenv("CSREALTIME_RELAY_PORT", "9090")
	t.Setenv("CSREALTIME_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://from-file.example.co", cfg.URL)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.True(t, cfg.Agent)
	assert.Equal(t, 9090, cfg.Relay.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("CSREALTIME_AGENT", "sometimes")
	_, err := Load(writeConfig(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CSREALTIME_AGENT")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutDefaultFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().URL, cfg.URL)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "realtime: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid socket", func(c *Config) { c.APIKey = "k" }, ""},
		{"missing api key", func(c *Config) {}, "api_key"},
		{"relative url", func(c *Config) { c.APIKey = "k"; c.URL = "localhost" }, "absolute URL"},
		{"bad scheme", func(c *Config) { c.APIKey = "k"; c.URL = "ftp://host" }, "scheme"},
		{"pgnotify without dsn", func(c *Config) { c.Transport = TransportPGNotify }, "database_url"},
		{"pgnotify", func(c *Config) { c.Transport = TransportPGNotify; c.DatabaseURL = "postgres://x" }, ""},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "unknown transport"},
		{"trim over capacity", func(c *Config) { c.APIKey = "k"; c.Realtime.DedupTrim = 2000 }, "dedup_trim"},
		{"cap below base", func(c *Config) { c.APIKey = "k"; c.Realtime.ReconnectCap = time.Millisecond }, "reconnect_cap"},
		{"negative queue", func(c *Config) { c.APIKey = "k"; c.Realtime.QueueLimit = -1 }, "queue_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.ValidateClient()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRelay(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.ValidateRelay())

	cfg.Relay.Port = 70000
	cfg.Relay.DBPath = ""
	err := cfg.ValidateRelay()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "db path")
}

func TestJWTSecret(t *testing.T) {
	cfg := Default()
	secret, isDefault := cfg.JWTSecret()
	assert.True(t, isDefault)
	assert.Equal(t, DefaultJWTSecret, secret)

	cfg.Relay.JWTSecret = "s3cret"
	secret, isDefault = cfg.JWTSecret()
	assert.False(t, isDefault)
	assert.Equal(t, "s3cret", secret)
}
