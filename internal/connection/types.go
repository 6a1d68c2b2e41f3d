package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrPongTimeout      = errors.New("pong not received before deadline")
	ErrConnectTimeout   = errors.New("connect attempt timed out")
	ErrForcedReconnect  = errors.New("forced reconnect")
	ErrUnknownTransport = errors.New("unknown transport")
)

// Reserved frame types.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeTyping   = "typing"
	TypePresence = "presence"
)

// CloseNormal is the WebSocket close code for a graceful shutdown.
const CloseNormal = 1000

// State is the connectivity state reported by the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Frame is a decoded inbound message. Every frame carries a type discriminator;
// the remaining fields are application-defined.
type Frame struct {
	Type       string          // Value of the "type" field ("" if absent)
	Data       map[string]any  // Decoded object, treat as read-only
	Raw        json.RawMessage // Original bytes, for typed decoding
	ReceivedAt time.Time       // Local time the read loop returned the frame
}

// Decode unmarshals the raw frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// Handler receives inbound frames.
type Handler func(Frame)

// Callbacks are lifecycle hooks supplied to Connect. Nil fields are ignored.
type Callbacks struct {
	OnConnect            func() // Fires once, on the next successful open
	OnReconnect          func() // Fires every time the manager enters reconnecting
	OnConnectionLost     func() // Fires on unexpected close and when retries run out
	OnConnectionRestored func() // Fires on an open that follows a lost connection
}

// Typing is the payload of a typing indicator.
type Typing struct {
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId,omitempty"`
	GuestID  string `json:"guestId,omitempty"`
}

// Presence is the payload of a presence ping.
type Presence struct {
	ThreadID string `json:"threadId,omitempty"`
	IsOnline bool   `json:"isOnline"`
	UserID   string `json:"userId,omitempty"`
}

// Outbound frames. Embedded payload fields are flattened next to "type".
type pingFrame struct {
	Type string `json:"type"`
}

type typingFrame struct {
	Type string `json:"type"`
	Typing
}

type presenceFrame struct {
	Type string `json:"type"`
	Presence
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	ConnectTimeout       time.Duration // Ceiling for a single connect attempt
	ReconnectBaseDelay   time.Duration // Delay multiplied by the attempt number
	ReconnectMaxDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // Retries before giving up
	PingInterval         time.Duration // Heartbeat period
	PongTimeout          time.Duration // Max wait for a pong after a ping
	CloseTimeout         time.Duration // Max wait for close confirmation on URL change
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		PingInterval:         25 * time.Second,
		PongTimeout:          30 * time.Second,
		CloseTimeout:         5 * time.Second,
	}
}

func (c *ManagerConfig) applyDefaults() {
	d := DefaultManagerConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
}

// DialerConfig configures a transport Dialer.
type DialerConfig struct {
	HandshakeTimeout time.Duration // Max time for the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends
	ReadLimit        int64         // Max inbound frame size in bytes (0 = transport default)
	Header           http.Header   // Extra handshake headers
}

// DefaultDialerConfig returns sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State          State
	Attempts       int
	Backoff        time.Duration
	Connects       int64
	Reconnects     int64
	FramesReceived int64
	FramesDropped  int64 // Malformed payloads
	PongsReceived  int64
	HandlerPanics  int64
	SendFailures   int64
	LastError      error // Why the last attempt or connection failed
}
