package hirewire

import (
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.hirewire.io"
	DefaultTimeout = 30 * time.Second
)

// Config configures the realtime sync layer.
type Config struct {
	// BaseURL is the REST API root. SocketURL defaults to BaseURL with a
	// ws/wss scheme and the /socket path.
	BaseURL   string
	SocketURL string

	HeartbeatInterval time.Duration
	ActivityThrottle  time.Duration
	BanPollInterval   time.Duration

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration

	// SignInPath is where ban enforcement navigates to.
	SignInPath string

	// ClickBurstLimit clicks inside ClickBurstWindow classify as abnormal.
	ClickBurstLimit  int
	ClickBurstWindow time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SocketURL == "" {
		c.SocketURL = socketURLFor(c.BaseURL)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ActivityThrottle == 0 {
		c.ActivityThrottle = 5 * time.Second
	}
	if c.BanPollInterval == 0 {
		c.BanPollInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SignInPath == "" {
		c.SignInPath = "/sign-in"
	}
	if c.ClickBurstLimit == 0 {
		c.ClickBurstLimit = 15
	}
	if c.ClickBurstWindow == 0 {
		c.ClickBurstWindow = 2 * time.Second
	}
}

func socketURLFor(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/socket"
}
