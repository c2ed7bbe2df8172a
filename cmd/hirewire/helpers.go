package main

import (
	"fmt"

	"github.com/spf13/cobra"

	hirewire "github.com/hirewire/hirewire/sdk/golang"
)

// newRealtime builds the sync layer from the config file, the environment
// and the persisted token.
func newRealtime(cmd *cobra.Command, opts ...hirewire.Option) (*hirewire.Realtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	tokens, err := tokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	base := []hirewire.Option{
		hirewire.WithLogger(newLogger(cmd.ErrOrStderr())),
		hirewire.WithTokenStore(tokens),
	}
	return hirewire.New(syncConfig(cfg), append(base, opts...)...), nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		return hirewire.TokenFingerprint(key)
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
