package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single physical WebSocket connection.
type Conn interface {
	// ReadMessage blocks until the next data frame arrives. A close frame from
	// the peer is reported as *CloseError.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error

	// Close performs a graceful close (code 1000) and releases the socket.
	Close() error

	// Terminate drops the socket without a closing handshake.
	Terminate() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code %d %s", e.Code, e.Reason)
}

// isCleanClose reports whether err is a graceful close with no error code.
func isCleanClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == CloseNormal
}

// NewTransport returns the Dialer registered under name ("gorilla" or "coder").
func NewTransport(name string, cfg DialerConfig, logger *slog.Logger) (Dialer, error) {
	switch name {
	case "", "gorilla":
		return NewDialer(cfg, logger), nil
	case "coder":
		return NewCoderDialer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}

// gorillaDialer dials with gorilla/websocket.
type gorillaDialer struct {
	cfg    DialerConfig
	logger *slog.Logger
}

// NewDialer creates the default gorilla/websocket Dialer.
func NewDialer(cfg DialerConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &gorillaDialer{cfg: cfg, logger: logger}
}

// Dial establishes the WebSocket connection.
func (d *gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	for k, v := range d.cfg.Header {
		header[k] = v
	}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}

	d.logger.Debug("websocket dialed", "host", conn.RemoteAddr().String())

	return &gorillaConn{conn: conn, writeTimeout: d.cfg.WriteTimeout}, nil
}

// gorillaConn adapts *websocket.Conn to Conn.
type gorillaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		// Best effort: the peer may already be gone.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *gorillaConn) Terminate() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
