package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/presence"
)

func newTestServer(t *testing.T, auth Authenticator) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Config{}, auth, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, token, deviceID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token + "&deviceId=" + deviceID
}

type frame struct {
	Type      string         `json:"type"`
	UserID    string         `json:"userId"`
	DeviceID  string         `json:"deviceId"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func dial(t *testing.T, ts *httptest.Server, token, deviceID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, token, deviceID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := readFrame(t, conn)
	require.Equal(t, "connection_confirmed", f.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestServer_RejectsMissingParams(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for _, q := range []string{"", "?token=abc", "?deviceId=d1"} {
		resp, err := http.Get(ts.URL + "/ws" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestServer_RejectsUnknownToken(t *testing.T) {
	_, ts := newTestServer(t, StaticAuthenticator{"tok-a": "alice"})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "tok-x", "d1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ConfirmsConnection(t *testing.T) {
	s, ts := newTestServer(t, StaticAuthenticator{"tok-a": "alice"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "tok-a", "laptop"), nil)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, "connection_confirmed", f.Type)
	assert.Equal(t, "alice", f.UserID)
	assert.Equal(t, "laptop", f.DeviceID)
	assert.NotZero(t, f.Timestamp)

	assert.Equal(t, []DeviceInfo{{"laptop", 1}}, s.Registry().Devices("alice"))
}

func TestServer_PingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "alice", "laptop")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	f := readFrame(t, conn)
	assert.Equal(t, "pong", f.Type)
}

func TestServer_RelaysTypingToOtherClients(t *testing.T) {
	_, ts := newTestServer(t, nil)
	alice := dial(t, ts, "alice", "laptop")
	alicePhone := dial(t, ts, "alice", "phone")
	bob := dial(t, ts, "bob", "laptop")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"typing","threadId":"t1","isTyping":true,"userId":"spoofed"}`)))

	f := readFrame(t, bob)
	assert.Equal(t, "typing", f.Type)
	assert.Equal(t, "t1", f.Data["threadId"])
	assert.Equal(t, "alice", f.Data["userId"])
	assert.Equal(t, true, f.Data["isTyping"])

	// Alice's other device does not hear her own typing.
	require.NoError(t, alicePhone.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := alicePhone.ReadMessage()
	assert.Error(t, err)
}

func TestServer_DisconnectRemovesPeer(t *testing.T) {
	s, ts := newTestServer(t, nil)
	conn := dial(t, ts, "alice", "laptop")
	require.Equal(t, 1, s.Registry().Total())

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return s.Registry().Total() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CloseSendsGoingAway(t *testing.T) {
	s, ts := newTestServer(t, nil)
	conn := dial(t, ts, "alice", "laptop")

	s.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestServer_WithManagerAndTracker(t *testing.T) {
	_, ts := newTestServer(t, nil)

	cfg := connection.DefaultManagerConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 500 * time.Millisecond
	cfg.ReconnectBaseDelay = 10 * time.Millisecond

	alice := connection.NewManager(cfg, nil, nil)
	bob := connection.NewManager(cfg, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = alice.Close(ctx)
		_ = bob.Close(ctx)
	})

	aliceTracker := presence.New(alice, presence.Identity{UserID: "alice"}, presence.Config{}, nil)
	bobTracker := presence.New(bob, presence.Identity{UserID: "bob"}, presence.Config{}, nil)
	defer aliceTracker.Close()
	defer bobTracker.Close()

	alice.Connect(wsURL(ts, "alice", "laptop"), connection.Callbacks{})
	bob.Connect(wsURL(ts, "bob", "laptop"), connection.Callbacks{})
	require.Eventually(t, func() bool { return alice.IsConnected() && bob.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	require.True(t, aliceTracker.SetTyping("t1", true))

	require.Eventually(t, func() bool {
		typing := bobTracker.Typing("t1")
		return len(typing) == 1 && typing[0].UserID == "alice"
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, aliceTracker.SetOnline("t1", false))
	require.Eventually(t, func() bool {
		ps := bobTracker.Participants("t1")
		return len(ps) == 1 && !ps[0].IsOnline && !ps[0].LastSeen.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	// Heartbeats are answered, so both stay on their first connection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), alice.Stats().Connects)
	assert.Greater(t, alice.Stats().PongsReceived, int64(0))
}

func TestServer_ManagerReconnectsAfterShutdown(t *testing.T) {
	s, ts := newTestServer(t, nil)

	cfg := connection.DefaultManagerConfig()
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	m := connection.NewManager(cfg, nil, nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	restored := make(chan struct{}, 1)
	m.Connect(wsURL(ts, "alice", "laptop"), connection.Callbacks{
		OnConnectionRestored: func() { restored <- struct{}{} },
	})
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	s.Close()

	select {
	case <-restored:
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not reconnect after going-away close")
	}
	assert.True(t, m.IsConnected())
	assert.Equal(t, int64(2), m.Stats().Connects)
}
