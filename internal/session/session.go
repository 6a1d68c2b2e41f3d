// Package session turns client credentials into the Connection Manager's
// target URL and keeps the connection pointed at the current credentials.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/rickgao/chatlink/internal/connection"
)

// Errors
var (
	ErrNoBaseURL = errors.New("no server base url")
)

// Connector is the part of the Connection Manager a Session drives.
type Connector interface {
	Connect(url string, cb connection.Callbacks)
}

// uriComponent matches encodeURIComponent, which leaves !'()* and space-as-%20
// where url.QueryEscape would not.
var uriComponent = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

func escape(s string) string {
	return uriComponent.Replace(url.QueryEscape(s))
}

// BuildURL appends the token and device ID query parameters to base.
func BuildURL(base, token, deviceID string) (string, error) {
	if base == "" {
		return "", ErrNoBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + escape(token) + "&deviceId=" + escape(deviceID), nil
}

// Session binds credentials to a Connector.
type Session struct {
	base   string
	conn   Connector
	logger *slog.Logger

	mu         sync.Mutex
	cb         connection.Callbacks
	registered bool
	creds      Credentials
	url        string
}

// New creates a Session. cb is handed to the Connector on the first Connect
// only, so repeated Applies do not register duplicate callbacks.
func New(base string, conn Connector, cb connection.Callbacks, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		base:   base,
		conn:   conn,
		cb:     cb,
		logger: logger.With("component", "session"),
	}
}

// Apply installs creds and connects once both token and device ID are known.
// It reports whether the target URL changed.
func (s *Session) Apply(creds Credentials) (bool, error) {
	if !creds.Complete() {
		s.logger.Debug("credentials incomplete, not connecting",
			"has_token", creds.Token != "",
			"has_device", creds.DeviceID != "",
		)
		return false, nil
	}

	target, err := BuildURL(s.base, creds.Token, creds.DeviceID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	changed := target != s.url
	s.creds = creds
	s.url = target
	cb := connection.Callbacks{}
	if !s.registered {
		cb = s.cb
		s.registered = true
	}
	s.mu.Unlock()

	if changed {
		s.logger.Info("session credentials applied", "device_id", creds.DeviceID)
	}
	s.conn.Connect(target, cb)
	return changed, nil
}

// Credentials returns the credentials last applied.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}
