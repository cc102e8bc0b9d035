package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/csrealtime/internal/relay"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage relay API keys",
	Long:  `Commands for managing API keys accepted by the local relay.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anon and service_role API keys",
	Long:  `Generates both anon and service_role API keys using the configured JWT secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		jwtSecret, isDefault := cfg.JWTSecret()
		if isDefault {
			fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set CSREALTIME_JWT_SECRET in production.")
		}

		anonKey, err := relay.GenerateKey(jwtSecret, relay.RoleAnon)
		if err != nil {
			return fmt.Errorf("failed to generate anon key: %w", err)
		}

		serviceKey, err := relay.GenerateKey(jwtSecret, relay.RoleService)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "CSREALTIME_ANON_KEY=%s\n", anonKey)
		fmt.Fprintf(cmd.OutOrStdout(), "CSREALTIME_SERVICE_KEY=%s\n", serviceKey)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
}
