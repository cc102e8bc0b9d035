package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/csrealtime/internal/config"
	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
	"github.com/markb/csrealtime/internal/realtime"
	"github.com/markb/csrealtime/internal/transport"
	"github.com/markb/csrealtime/internal/transport/pgnotify"
	"github.com/markb/csrealtime/internal/transport/socket"
)

// backend is a transport that can be shut down when the command exits.
type backend interface {
	transport.Transport
	Shutdown()
}

// addClientFlags registers the connection flags shared by watch, probe and
// publish.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("url", "", "Project URL, e.g. https://xyz.supabase.co")
	f.String("api-key", "", "API key (prompted for on a terminal when unset)")
	f.String("access-token", "", "User access token (defaults to the API key)")
	f.String("transport", "", "Transport: socket or pgnotify")
	f.String("database-url", "", "Postgres URL for the pgnotify transport")
	f.Bool("agent", false, "Act as an agent rather than a customer")
}

// applyClientFlags overlays flags the user set on cfg. Priority: flags >
// environment > config file > defaults.
func applyClientFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("url", &cfg.URL)
	str("api-key", &cfg.APIKey)
	str("access-token", &cfg.AccessToken)
	str("transport", &cfg.Transport)
	str("database-url", &cfg.DatabaseURL)
	if f.Changed("agent") {
		cfg.Agent, _ = f.GetBool("agent")
	}
}

// loadClientConfig is loadConfig plus the client flags, the API key prompt
// and validation.
func loadClientConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	applyClientFlags(cmd, cfg)

	if cfg.Transport == config.TransportSocket && cfg.APIKey == "" {
		key, err := promptAPIKey()
		if err != nil {
			return nil, err
		}
		cfg.APIKey = key
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// promptAPIKey reads the key without echo on a terminal, or a line from
// piped stdin.
func promptAPIKey() (string, error) {
	fmt.Fprint(os.Stderr, "API key: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		key, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read API key: %w", err)
		}
		return strings.TrimSpace(string(key)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	fmt.Fprintln(os.Stderr)
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// openBackend builds the configured transport. Nothing is dialed until the
// first subscription or publish.
func openBackend(cfg *config.Config) (backend, error) {
	switch cfg.Transport {
	case config.TransportPGNotify:
		return pgnotify.New(pgnotify.Config{
			DatabaseURL: cfg.DatabaseURL,
			Prefix:      cfg.ChannelPrefix,
		})
	case config.TransportSocket:
		return socket.New(socket.Config{
			URL:               cfg.URL,
			APIKey:            cfg.APIKey,
			AccessToken:       cfg.AccessToken,
			JoinTimeout:       cfg.Realtime.JoinTimeout,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// managerConfig maps the CLI configuration onto the manager's.
func managerConfig(cfg *config.Config, tel *observability.Telemetry) realtime.Config {
	r := cfg.Realtime
	mc := realtime.Config{
		Agent: cfg.Agent,
		Tables: realtime.Tables{
			Schema:      cfg.Tables.Schema,
			Messages:    cfg.Tables.Messages,
			Sessions:    cfg.Tables.Sessions,
			AgentStatus: cfg.Tables.AgentStatus,
		},
		Logger:               log.Component("realtime"),
		HeartbeatInterval:    r.HeartbeatInterval,
		StaleAfter:           r.StaleAfter,
		ReconnectBase:        r.ReconnectBase,
		ReconnectCap:         r.ReconnectCap,
		MaxReconnectAttempts: r.MaxReconnectAttempts,
		DedupCapacity:        r.DedupCapacity,
		DedupTrim:            r.DedupTrim,
		QueueLimit:           r.QueueLimit,
	}
	if tel != nil {
		mc.Metrics = tel.Realtime()
	}
	return mc
}
