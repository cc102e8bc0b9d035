package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/csrealtime/internal/transport/pgnotify"
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Manage Postgres change triggers for the pgnotify transport",
}

var triggersInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the notify function and per-table triggers",
	Long: `Creates the notify trigger function and attaches it to the messages,
chat sessions and agent status tables, so row changes are announced on
<channel_prefix><table> notification channels.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("database-url") {
			cfg.DatabaseURL, _ = cmd.Flags().GetString("database-url")
		}
		if cfg.DatabaseURL == "" {
			return errors.New("database_url is required")
		}

		tr, err := pgnotify.New(pgnotify.Config{
			DatabaseURL: cfg.DatabaseURL,
			Prefix:      cfg.ChannelPrefix,
		})
		if err != nil {
			return err
		}
		defer tr.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		t := cfg.Tables
		if err := tr.Install(ctx, t.Schema, t.Messages, t.Sessions, t.AgentStatus); err != nil {
			return fmt.Errorf("failed to install triggers: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "triggers installed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggersCmd)
	triggersCmd.AddCommand(triggersInstallCmd)
	triggersInstallCmd.Flags().String("database-url", "", "Postgres URL")
}
