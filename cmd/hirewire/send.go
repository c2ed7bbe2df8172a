package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	hirewire "github.com/hirewire/hirewire/sdk/golang"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <body...>",
	Short: "Send a message to a conversation",
	Long:  "Send a message through the reconciliation buffer and print the confirmed copy.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		body := strings.Join(args[1:], " ")

		rt, err := newRealtime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := rt.Session.Restore(ctx)
		if err != nil {
			return fmt.Errorf("session restore failed: %w", err)
		}
		if !s.IsAuthenticated {
			return fmt.Errorf("not logged in; run 'hirewire login <token>'")
		}

		var confirmed *hirewire.Message
		rt.Messages.OnChange(func(_ string, ev hirewire.BufferEvent) {
			if ev.Kind == hirewire.BufferConfirmed {
				m := ev.Message
				confirmed = &m
			}
		})
		rt.Messages.Track(conversationID)

		localID, err := rt.Messages.SendOptimistic(ctx, conversationID, body)
		if err != nil {
			return err
		}
		if confirmed == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Sent (%s)\n", localID)
			return nil
		}
		out, err := json.MarshalIndent(confirmed, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
