package config

import (
	"net/url"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultInstanceID           = "chatlink"
	DefaultTransport            = "gorilla"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 25 * time.Second
	DefaultPongTimeout          = 30 * time.Second
	DefaultCloseTimeout         = 5 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReadLimit            = 1 << 20
	DefaultNetwatchInterval     = 30 * time.Second
	DefaultNetwatchTimeout      = 5 * time.Second
	DefaultNetwatchThrottle     = 5 * time.Second
	DefaultTypingTTL            = 3 * time.Second
	DefaultTypingInterval       = 2 * time.Second
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 10000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultHubListenAddr        = ":8080"
	DefaultHubPath              = "/ws"
	DefaultHubSendBuffer        = 64
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	if len(c.Server.HealthURLs) == 0 {
		if u := HealthURLFor(c.Server.URL); u != "" {
			c.Server.HealthURLs = []string{u}
		}
	}

	// Connection defaults
	cc := &c.Connection
	if cc.Transport == "" {
		cc.Transport = DefaultTransport
	}
	if cc.ConnectTimeout == 0 {
		cc.ConnectTimeout = DefaultConnectTimeout
	}
	if cc.ReconnectBaseDelay == 0 {
		cc.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cc.ReconnectMaxDelay == 0 {
		cc.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cc.MaxReconnectAttempts == 0 {
		cc.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cc.PingInterval == 0 {
		cc.PingInterval = DefaultPingInterval
	}
	if cc.PongTimeout == 0 {
		cc.PongTimeout = DefaultPongTimeout
	}
	if cc.CloseTimeout == 0 {
		cc.CloseTimeout = DefaultCloseTimeout
	}
	if cc.HandshakeTimeout == 0 {
		cc.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cc.WriteTimeout == 0 {
		cc.WriteTimeout = DefaultWriteTimeout
	}
	if cc.ReadLimit == 0 {
		cc.ReadLimit = DefaultReadLimit
	}

	// Netwatch defaults
	if c.Netwatch.Interval == 0 {
		c.Netwatch.Interval = DefaultNetwatchInterval
	}
	if c.Netwatch.Timeout == 0 {
		c.Netwatch.Timeout = DefaultNetwatchTimeout
	}
	if c.Netwatch.Throttle == 0 {
		c.Netwatch.Throttle = DefaultNetwatchThrottle
	}

	// Presence defaults
	if c.Presence.TypingTTL == 0 {
		c.Presence.TypingTTL = DefaultTypingTTL
	}
	if c.Presence.TypingInterval == 0 {
		c.Presence.TypingInterval = DefaultTypingInterval
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	applyDBDefaults(&c.Database)

	// Hub defaults
	if c.Hub.ListenAddr == "" {
		c.Hub.ListenAddr = DefaultHubListenAddr
	}
	if c.Hub.Path == "" {
		c.Hub.Path = DefaultHubPath
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = DefaultHubSendBuffer
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// HealthURLFor maps a WebSocket server URL to its HTTP health endpoint
// (ws→http, wss→https, path /health). It returns "" for unparseable input.
func HealthURLFor(serverURL string) string {
	if serverURL == "" {
		return ""
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}

	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/health"
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
