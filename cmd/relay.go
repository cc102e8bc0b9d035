package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/csrealtime/internal/db"
	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
	"github.com/markb/csrealtime/internal/relay"
)

const pruneInterval = 10 * time.Minute

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local realtime relay",
	Long: `Serves the realtime websocket protocol and a REST write path backed by
SQLite. Every insert, update and delete is fanned out to matching
postgres_changes subscribers, so watch and publish can be used without a
hosted backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.Relay.DBPath, _ = cmd.Flags().GetString("db")
		}
		if cmd.Flags().Changed("port") {
			cfg.Relay.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("host") {
			cfg.Relay.Host, _ = cmd.Flags().GetString("host")
		}
		retention, _ := cmd.Flags().GetDuration("retention")
		if err := cfg.ValidateRelay(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		jwtSecret, isDefault := cfg.JWTSecret()
		if isDefault {
			log.Warn("using default JWT secret, set CSREALTIME_JWT_SECRET outside development")
		}
		anonKey, serviceKey := cfg.Relay.AnonKey, cfg.Relay.ServiceKey
		if anonKey == "" {
			if anonKey, err = relay.GenerateKey(jwtSecret, relay.RoleAnon); err != nil {
				return fmt.Errorf("failed to generate anon key: %w", err)
			}
		}
		if serviceKey == "" {
			if serviceKey, err = relay.GenerateKey(jwtSecret, relay.RoleService); err != nil {
				return fmt.Errorf("failed to generate service key: %w", err)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tel, cleanupTel, err := observability.Init(ctx, &cfg.Metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer cleanupTel()

		database, err := db.Open(cfg.Relay.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		svc := relay.NewService(database, relay.Config{
			JWTSecret:       jwtSecret,
			AnonKey:         anonKey,
			ServiceKey:      serviceKey,
			ChangeRetention: retention,
		}, tel.Relay())
		go svc.PruneLoop(ctx, pruneInterval)

		addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           svc.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		fmt.Printf("Starting csrealtime relay on %s\n", addr)
		fmt.Printf("  Realtime: ws://%s/realtime/v1/websocket\n", addr)
		fmt.Printf("  REST API: http://%s/rest/v1\n", addr)
		fmt.Printf("  Database: %s\n", cfg.Relay.DBPath)
		fmt.Printf("CSREALTIME_ANON_KEY=%s\n", anonKey)
		fmt.Printf("CSREALTIME_SERVICE_KEY=%s\n", serviceKey)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		svc.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().String("db", "relay.db", "Path to the relay database")
	relayCmd.Flags().Int("port", 8080, "Port to listen on")
	relayCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	relayCmd.Flags().Duration("retention", 24*time.Hour, "Keep change journal entries this long (0 keeps everything)")
}
