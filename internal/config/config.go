package config

import "time"

// Config is the root configuration for a chatlink instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Connection ConnectionConfig `yaml:"connection"`
	Netwatch   NetwatchConfig   `yaml:"netwatch"`
	Presence   PresenceConfig   `yaml:"presence"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Database   DBConfig         `yaml:"database"`
	Hub        HubConfig        `yaml:"hub"`
}

// InstanceConfig identifies this instance in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the message server endpoints.
type ServerConfig struct {
	URL        string   `yaml:"url"`         // WebSocket base URL, without token or device query
	HealthURLs []string `yaml:"health_urls"` // All must answer HEAD for the network to count as online
}

// SessionConfig holds the client identity. Token and DeviceID may instead come
// from CredentialsPath, which is watched for rotation.
type SessionConfig struct {
	Token           string `yaml:"token"`
	DeviceID        string `yaml:"device_id"`
	CredentialsPath string `yaml:"credentials_path"`
	UserID          string `yaml:"user_id"`
	GuestID         string `yaml:"guest_id"`
}

// ConnectionConfig holds Connection Manager and transport settings.
type ConnectionConfig struct {
	Transport            string        `yaml:"transport"` // gorilla or coder
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	CloseTimeout         time.Duration `yaml:"close_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReadLimit            int64         `yaml:"read_limit"`
}

// NetwatchConfig holds network status monitor settings.
type NetwatchConfig struct {
	Disabled bool          `yaml:"disabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Throttle time.Duration `yaml:"throttle"`
}

// PresenceConfig holds presence tracker settings.
type PresenceConfig struct {
	TypingTTL      time.Duration `yaml:"typing_ttl"`
	TypingInterval time.Duration `yaml:"typing_interval"` // Min gap between outbound typing=true per thread
}

// RecorderConfig holds frame recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Types         []string      `yaml:"types"` // Empty records every frame type
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HubConfig holds companion server settings.
type HubConfig struct {
	ListenAddr string            `yaml:"listen_addr"`
	Path       string            `yaml:"path"`
	Tokens     map[string]string `yaml:"tokens"` // token -> client ID; empty accepts any token as its own client ID
	SendBuffer int               `yaml:"send_buffer"`
}
