package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil {
			return fmt.Errorf("server.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
		}
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	if !c.Netwatch.Disabled && c.Netwatch.Interval < c.Netwatch.Throttle {
		return fmt.Errorf("netwatch.interval (%s) cannot be shorter than netwatch.throttle (%s)",
			c.Netwatch.Interval, c.Netwatch.Throttle)
	}

	if c.Presence.TypingTTL <= 0 {
		return errors.New("presence.typing_ttl must be > 0")
	}

	if c.Recorder.Enabled {
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Hub.SendBuffer < 1 {
		return errors.New("hub.send_buffer must be >= 1")
	}

	return nil
}

// ValidateClient additionally checks what the listen command needs.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if c.Session.CredentialsPath == "" && c.Session.Token == "" {
		return errors.New("session.token or session.credentials_path is required")
	}
	return nil
}

func (cc *ConnectionConfig) validate() error {
	switch cc.Transport {
	case "gorilla", "coder":
	default:
		return fmt.Errorf("connection.transport must be gorilla or coder, got %q", cc.Transport)
	}
	if cc.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if cc.ReconnectBaseDelay > cc.ReconnectMaxDelay {
		return fmt.Errorf("connection.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			cc.ReconnectBaseDelay, cc.ReconnectMaxDelay)
	}
	if cc.PongTimeout <= 0 || cc.PingInterval <= 0 {
		return errors.New("connection.ping_interval and connection.pong_timeout must be > 0")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
