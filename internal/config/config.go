// Package config loads csrealtime settings. Values are layered as defaults,
// then the YAML file, then CSREALTIME_* environment variables; the cobra
// commands apply their flags last.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
)

// DefaultFile is read when no --config path is given and it exists in the
// working directory.
const DefaultFile = "csrealtime.yaml"

// DefaultJWTSecret is only meant for local relays.
const DefaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

const (
	TransportSocket   = "socket"
	TransportPGNotify = "pgnotify"
)

// Config is the full CLI configuration.
type Config struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	AccessToken   string `yaml:"access_token"`
	Transport     string `yaml:"transport"`
	DatabaseURL   string `yaml:"database_url"`
	ChannelPrefix string `yaml:"channel_prefix"`

	Agent bool   `yaml:"agent"`
	Scope string `yaml:"scope"`

	Tables   Tables               `yaml:"tables"`
	Realtime Realtime             `yaml:"realtime"`
	Relay    Relay                `yaml:"relay"`
	Log      log.Config           `yaml:"log"`
	Metrics  observability.Config `yaml:"metrics"`
}

// Tables names the streams the manager subscribes to.
type Tables struct {
	Schema      string `yaml:"schema"`
	Messages    string `yaml:"messages"`
	Sessions    string `yaml:"sessions"`
	AgentStatus string `yaml:"agent_status"`
}

// Realtime tunes the connection manager and socket transport.
type Realtime struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectCap         time.Duration `yaml:"reconnect_cap"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DedupCapacity        int           `yaml:"dedup_capacity"`
	DedupTrim            int           `yaml:"dedup_trim"`
	QueueLimit           int           `yaml:"queue_limit"`
	JoinTimeout          time.Duration `yaml:"join_timeout"`
}

// Relay configures the local development relay.
type Relay struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	DBPath     string `yaml:"db"`
	JWTSecret  string `yaml:"jwt_secret"`
	AnonKey    string `yaml:"anon_key"`
	ServiceKey string `yaml:"service_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		URL:           "http://localhost:8080",
		Transport:     TransportSocket,
		ChannelPrefix: "realtime_",
		Tables: Tables{
			Schema:      "public",
			Messages:    "messages",
			Sessions:    "chat_sessions",
			AgentStatus: "agent_status",
		},
		Realtime: Realtime{
			HeartbeatInterval:    15 * time.Second,
			StaleAfter:           30 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectCap:         30 * time.Second,
			MaxReconnectAttempts: 5,
			DedupCapacity:        1000,
			DedupTrim:            500,
			JoinTimeout:          10 * time.Second,
		},
		Relay: Relay{
			Host:   "0.0.0.0",
			Port:   8080,
			DBPath: "relay.db",
		},
		Log:     *log.DefaultConfig(),
		Metrics: *observability.NewConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path and the
// environment. An empty path falls back to DefaultFile when it exists; an
// explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// no config file, defaults apply
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays CSREALTIME_* environment variables.
func (c *Config) ApplyEnv() error {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setString("CSREALTIME_URL", &c.URL)
	setString("CSREALTIME_API_KEY", &c.APIKey)
	setString("CSREALTIME_ACCESS_TOKEN", &c.AccessToken)
	setString("CSREALTIME_TRANSPORT", &c.Transport)
	setString("CSREALTIME_DATABASE_URL", &c.DatabaseURL)
	setString("CSREALTIME_SCOPE", &c.Scope)
	setString("CSREALTIME_JWT_SECRET", &c.Relay.JWTSecret)
	setString("CSREALTIME_ANON_KEY", &c.Relay.AnonKey)
	setString("CSREALTIME_SERVICE_KEY", &c.Relay.ServiceKey)
	setString("CSREALTIME_RELAY_DB", &c.Relay.DBPath)
	setString("CSREALTIME_LOG_MODE", &c.Log.Mode)
	setString("CSREALTIME_LOG_LEVEL", &c.Log.Level)
	setString("CSREALTIME_LOG_FORMAT", &c.Log.Format)
	setString("CSREALTIME_LOG_FILE", &c.Log.FilePath)
	setString("CSREALTIME_METRICS_EXPORTER", &c.Metrics.Exporter)

	if v := os.Getenv("CSREALTIME_AGENT"); v != "" {
		agent, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CSREALTIME_AGENT: %w", err)
		}
		c.Agent = agent
	}
	if v := os.Getenv("CSREALTIME_RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CSREALTIME_RELAY_PORT: %w", err)
		}
		c.Relay.Port = port
	}
	return nil
}

// JWTSecret returns the relay secret, falling back to DefaultJWTSecret.
func (c *Config) JWTSecret() (secret string, isDefault bool) {
	if c.Relay.JWTSecret == "" {
		return DefaultJWTSecret, true
	}
	return c.Relay.JWTSecret, false
}

// ValidateClient checks the settings used by watch, probe and publish.
func (c *Config) ValidateClient() error {
	var errs []error

	switch c.Transport {
	case TransportSocket:
		u, err := url.Parse(c.URL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("url %q is not an absolute URL", c.URL))
		} else if s := strings.ToLower(u.Scheme); s != "http" && s != "https" && s != "ws" && s != "wss" {
			errs = append(errs, fmt.Errorf("url scheme %q not supported", u.Scheme))
		}
		if c.APIKey == "" {
			errs = append(errs, errors.New("api_key is required for the socket transport"))
		}
	case TransportPGNotify:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the pgnotify transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.Tables.Messages == "" || c.Tables.Sessions == "" || c.Tables.AgentStatus == "" {
		errs = append(errs, errors.New("table names must not be empty"))
	}

	r := c.Realtime
	if r.HeartbeatInterval <= 0 || r.StaleAfter <= 0 {
		errs = append(errs, errors.New("heartbeat_interval and stale_after must be positive"))
	}
	if r.ReconnectBase <= 0 || r.ReconnectCap < r.ReconnectBase {
		errs = append(errs, errors.New("reconnect_cap must be at least reconnect_base, which must be positive"))
	}
	if r.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must not be negative"))
	}
	if r.DedupCapacity <= 0 || r.DedupTrim <= 0 || r.DedupTrim > r.DedupCapacity {
		errs = append(errs, fmt.Errorf("dedup_trim (%d) must be in 1..dedup_capacity (%d)", r.DedupTrim, r.DedupCapacity))
	}
	if r.QueueLimit < 0 {
		errs = append(errs, errors.New("queue_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// ValidateRelay checks the settings used by the relay command.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay port %d out of range", c.Relay.Port))
	}
	if c.Relay.DBPath == "" {
		errs = append(errs, errors.New("relay db path is required"))
	}
	return errors.Join(errs...)
}
