package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(server.Close)

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// echo writes back every message until the client goes away.
func echo(conn *websocket.Conn, _ *http.Request) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}

// closeWith sends a close frame and waits for the client's reply.
func closeWith(code int) func(*websocket.Conn, *http.Request) {
	return func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, "bye"),
			time.Now().Add(time.Second),
		)
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

var transports = []string{"gorilla", "coder"}

func dialTransport(t *testing.T, name, url string) Conn {
	t.Helper()
	d, err := NewTransport(name, DefaultDialerConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Terminate() })
	return conn
}

func TestTransport_RoundTrip(t *testing.T) {
	server := mockWSServer(t, echo)

	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			conn := dialTransport(t, name, wsURL(server))

			msg := []byte(`{"type":"message","data":{"id":"m1"}}`)
			require.NoError(t, conn.WriteMessage(msg))

			got, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, string(msg), string(got))
		})
	}
}

func TestTransport_CloseCodes(t *testing.T) {
	tests := []struct {
		code  int
		clean bool
	}{
		{websocket.CloseNormalClosure, true},
		{websocket.CloseGoingAway, false},
		{4001, false},
	}

	for _, name := range transports {
		for _, tt := range tests {
			server := mockWSServer(t, closeWith(tt.code))
			conn := dialTransport(t, name, wsURL(server))

			_, err := conn.ReadMessage()
			require.Error(t, err, "%s code %d", name, tt.code)

			var ce *CloseError
			require.True(t, errors.As(err, &ce), "%s code %d: %v", name, tt.code, err)
			assert.Equal(t, tt.code, ce.Code, name)
			assert.Equal(t, tt.clean, isCleanClose(err), "%s code %d", name, tt.code)
		}
	}
}

func TestTransport_GracefulClose(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			codes := make(chan int, 1)
			server := mockWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
				_, _, err := conn.ReadMessage()
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					codes <- ce.Code
				} else {
					codes <- -1
				}
			})

			conn := dialTransport(t, name, wsURL(server))
			require.NoError(t, conn.Close())

			select {
			case code := <-codes:
				assert.Equal(t, websocket.CloseNormalClosure, code)
			case <-time.After(2 * time.Second):
				t.Fatal("server never saw the close frame")
			}
		})
	}
}

func TestTransport_SendsHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		echo(conn, r)
	})

	cfg := DefaultDialerConfig()
	cfg.Header = http.Header{"X-Device-Id": []string{"d1"}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := NewDialer(cfg, nil).Dial(ctx, wsURL(server))
	require.NoError(t, err)
	defer conn.Terminate()

	h := <-headers
	assert.Equal(t, "d1", h.Get("X-Device-Id"))
	assert.Equal(t, "application/json", h.Get("Accept"))
}

func TestTransport_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	for _, name := range transports {
		d, err := NewTransport(name, DefaultDialerConfig(), nil)
		require.NoError(t, err)

		_, err = d.Dial(context.Background(), wsURL(server))
		assert.Error(t, err, name)
	}
}

func TestNewTransport_Unknown(t *testing.T) {
	_, err := NewTransport("carrier-pigeon", DefaultDialerConfig(), nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	d, err := NewTransport("", DefaultDialerConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &gorillaDialer{}, d)
}

func TestIsCleanClose(t *testing.T) {
	assert.True(t, isCleanClose(&CloseError{Code: CloseNormal}))
	assert.False(t, isCleanClose(&CloseError{Code: 1006}))
	assert.False(t, isCleanClose(errors.New("read: connection reset by peer")))
	assert.False(t, isCleanClose(nil))
}

// pongServer answers application pings and relays everything else back.
func pongServer(pings *atomic.Int32) func(*websocket.Conn, *http.Request) {
	return func(conn *websocket.Conn, _ *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(msg, &f) == nil && f.Type == TypePing {
				pings.Add(1)
				msg = []byte(`{"type":"pong"}`)
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func TestManager_EndToEnd(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			var pings atomic.Int32
			server := mockWSServer(t, pongServer(&pings))

			d, err := NewTransport(name, DefaultDialerConfig(), nil)
			require.NoError(t, err)

			cfg := testManagerConfig()
			cfg.PingInterval = 20 * time.Millisecond
			cfg.PongTimeout = 200 * time.Millisecond
			m := NewManager(cfg, d, nil)

			frames := make(chan Frame, 8)
			m.Subscribe(func(f Frame) { frames <- f })

			m.Connect(wsURL(server)+"?token=abc&deviceId=d1", Callbacks{})
			require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

			require.True(t, m.NotifyTyping(Typing{ThreadID: "t1", IsTyping: true}))

			select {
			case f := <-frames:
				assert.Equal(t, TypeTyping, f.Type)
				assert.Equal(t, "t1", f.Data["threadId"])
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for echoed frame")
			}

			require.Eventually(t, func() bool { return pings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
			assert.True(t, m.IsConnected())
			assert.Equal(t, int64(1), m.Stats().Connects)
			assert.Greater(t, m.Stats().PongsReceived, int64(0))

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, m.Close(ctx))
			assert.Equal(t, StateDisconnected, m.State())
		})
	}
}
