package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	hirewire "github.com/hirewire/hirewire/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the stored token is expired, and restore the session live.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRealtime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		out := cmd.OutOrStdout()
		eff := rt.Config()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", eff.BaseURL)
		fmt.Fprintf(out, "  Socket URL:  %s\n", eff.SocketURL)
		fmt.Fprintf(out, "  Heartbeat:   %s (throttle %s)\n", eff.HeartbeatInterval, eff.ActivityThrottle)
		fmt.Fprintf(out, "  Ban poll:    %s\n", eff.BanPollInterval)

		token := rt.Tokens.Token()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(token, time.Now()))
		if sub := hirewire.TokenSubject(token); sub != "" {
			fmt.Fprintf(out, "  Subject:     %s\n", sub)
		}
		if token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		s, err := rt.Session.Restore(ctx)
		switch {
		case hirewire.IsBanError(err):
			fmt.Fprintf(out, "  Account banned: %v\n", err)
		case hirewire.IsAuthError(err):
			fmt.Fprintln(out, "  Token rejected; stored token cleared. Run 'hirewire login <token>'.")
		case hirewire.IsNetworkError(err):
			fmt.Fprintf(out, "  Server unreachable: %v (token kept)\n", err)
		case err != nil:
			fmt.Fprintf(out, "  Error: %v\n", err)
		default:
			fmt.Fprintf(out, "  Authenticated: %t\n", s.IsAuthenticated)
			fmt.Fprintf(out, "  User ID:       %s\n", valueOrDefault(s.UserID, "(unknown)"))
		}
		return nil
	},
}

// tokenStatus describes a token's presence and expiry at now.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	expires, ok := hirewire.TokenExpiry(token)
	if !ok {
		return fmt.Sprintf("%s (no expiry)", maskKey(token))
	}
	if now.Before(expires) {
		return fmt.Sprintf("%s valid (expires %s)", maskKey(token), expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s EXPIRED (expired %s)", maskKey(token), expires.Format(time.RFC3339))
}
