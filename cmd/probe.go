package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/csrealtime/internal/realtime"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the backend accepts writes",
	Long:  `Publishes a system probe message and exits with status 1 if it is rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		tr, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer tr.Shutdown()

		m := realtime.NewManager(tr, managerConfig(cfg, nil))
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if !m.TestConnection(ctx) {
			return errors.New("connection test failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "connection ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	addClientFlags(probeCmd)
	probeCmd.Flags().Duration("timeout", 10*time.Second, "Give up after this long")
}
