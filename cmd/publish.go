package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markb/csrealtime/internal/realtime"
)

var publishCmd = &cobra.Command{
	Use:   "publish <content>",
	Short: "Send a chat message",
	Long: `Inserts a message row into the messages table through the configured
transport. Subscribers following the session receive it as an INSERT.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig(cmd)
		if err != nil {
			return err
		}
		session, _ := cmd.Flags().GetString("session")
		sender, _ := cmd.Flags().GetString("sender")
		senderType, _ := cmd.Flags().GetString("sender-type")
		if session == "" {
			return fmt.Errorf("--session is required")
		}
		switch senderType {
		case realtime.SenderCustomer, realtime.SenderAgent, realtime.SenderSystem:
		default:
			return fmt.Errorf("unknown sender type %q", senderType)
		}

		tr, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer tr.Shutdown()

		record := map[string]any{
			"id":          uuid.NewString(),
			"session_id":  session,
			"sender_type": senderType,
			"content":     args[0],
			"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if sender != "" {
			record["sender_id"] = sender
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := tr.Publish(ctx, cfg.Tables.Messages, record); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}

		return json.NewEncoder(cmd.OutOrStdout()).Encode(record)
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	addClientFlags(publishCmd)
	publishCmd.Flags().String("session", "", "Chat session id")
	publishCmd.Flags().String("sender", "", "Sender id")
	publishCmd.Flags().String("sender-type", realtime.SenderCustomer, "customer, agent or system")
}
