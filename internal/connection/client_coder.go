package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ws "github.com/coder/websocket"
)

// coderDialer dials with coder/websocket.
type coderDialer struct {
	cfg DialerConfig
}

// NewCoderDialer creates a Dialer backed by coder/websocket.
func NewCoderDialer(cfg DialerConfig) Dialer {
	return &coderDialer{cfg: cfg}
}

func (d *coderDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{HTTPHeader: d.cfg.Header})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}

	return &coderConn{conn: conn, cfg: d.cfg}, nil
}

// coderConn adapts *ws.Conn to Conn. Writes are safe for concurrent use.
type coderConn struct {
	conn *ws.Conn
	cfg  DialerConfig

	closeOnce sync.Once
	closeErr  error
}

func (c *coderConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.Read(context.Background())
	if err != nil {
		var ce ws.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *coderConn) WriteMessage(data []byte) error {
	ctx := context.Background()
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, ws.MessageText, data)
}

func (c *coderConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(ws.StatusNormalClosure, "")
	})
	return c.closeErr
}

func (c *coderConn) Terminate() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.CloseNow()
	})
	return c.closeErr
}
