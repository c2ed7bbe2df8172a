package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	hirewire "github.com/hirewire/hirewire/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.hirewire/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Auth     ConfigAuth     `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url,omitempty"`
}

// ConfigRealtime holds timing overrides as Go duration strings.
type ConfigRealtime struct {
	HeartbeatInterval    string `toml:"heartbeat_interval,omitempty"`
	ActivityThrottle     string `toml:"activity_throttle,omitempty"`
	BanPollInterval      string `toml:"ban_poll_interval,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
}

// ConfigAuth holds the session token. The sync layer's FileTokenStore
// reads and writes the same table.
type ConfigAuth struct {
	Token        string `toml:"token,omitempty"`
	UserID       string `toml:"user_id,omitempty"`
	TokenExpires string `toml:"token_expires,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

var configFile string

// configPath returns the config file path: --config, $HIREWIRE_CONFIG, or
// ~/.hirewire/config.toml.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	if p := envString("HIREWIRE_CONFIG", ""); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".hirewire", "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "socket_url":
			cfg.Default.SocketURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "heartbeat_interval", "activity_throttle", "ban_poll_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			switch field {
			case "heartbeat_interval":
				cfg.Realtime.HeartbeatInterval = value
			case "activity_throttle":
				cfg.Realtime.ActivityThrottle = value
			default:
				cfg.Realtime.BanPollInterval = value
			}
		case "max_reconnect_attempts":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n <= 0 {
				return fmt.Errorf("%s must be a positive integer", key)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, auth)", section)
	}
	return nil
}

// syncConfig builds the sync layer config: file values first, then
// HIREWIRE_* environment overrides.
func syncConfig(cfg *Config) hirewire.Config {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return hirewire.Config{
		BaseURL:              envString("HIREWIRE_BASE_URL", cfg.Default.BaseURL),
		SocketURL:            envString("HIREWIRE_SOCKET_URL", cfg.Default.SocketURL),
		HeartbeatInterval:    envDuration("HIREWIRE_HEARTBEAT_INTERVAL", parse(cfg.Realtime.HeartbeatInterval)),
		ActivityThrottle:     envDuration("HIREWIRE_ACTIVITY_THROTTLE", parse(cfg.Realtime.ActivityThrottle)),
		BanPollInterval:      envDuration("HIREWIRE_BAN_POLL_INTERVAL", parse(cfg.Realtime.BanPollInterval)),
		MaxReconnectAttempts: envInt("HIREWIRE_MAX_RECONNECT_ATTEMPTS", cfg.Realtime.MaxReconnectAttempts),
	}
}

// tokenStore opens the token table of the config file. HIREWIRE_TOKEN, when
// set, wins and is kept in memory only.
func tokenStore() (hirewire.TokenStore, error) {
	if tok := envString("HIREWIRE_TOKEN", ""); tok != "" {
		return hirewire.NewMemoryTokenStore(tok), nil
	}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return hirewire.NewFileTokenStore(path)
}

// ============================================================================
// Logging
// ============================================================================

var (
	logLevel  string
	logFormat string
	logFile   string
)

func newLogger(stderr io.Writer) *slog.Logger {
	level := envString("HIREWIRE_LOG_LEVEL", logLevel)
	var w io.Writer = stderr
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	return hirewire.NewLogger(level, logFormat, w)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "hirewire",
	Short: "HireWire realtime CLI",
	Long:  "Command-line client for the HireWire realtime sync layer.\nManage the session token, check status, watch live events and send messages.",

	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.hirewire/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotating file instead of stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
