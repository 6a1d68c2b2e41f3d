package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/chatlink/internal/connection"
)

// Config configures a Server.
type Config struct {
	SendBuffer   int           // Per-peer outbound queue length
	WriteTimeout time.Duration // Deadline for each socket write
	ReadLimit    int64         // Max inbound frame size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// Server upgrades HTTP requests and serves the chat protocol.
type Server struct {
	cfg      Config
	auth     Authenticator
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Close code sent by write pumps; switched to going-away on shutdown.
	closeCode atomic.Int32
}

// NewServer creates a Server. A nil auth accepts any token.
func NewServer(cfg Config, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hub")
	d := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = d.ReadLimit
	}
	if auth == nil {
		auth = StaticAuthenticator(nil)
	}

	s := &Server{
		cfg:      cfg,
		auth:     auth,
		registry: NewRegistry(logger),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.closeCode.Store(websocket.CloseNormalClosure)
	return s
}

// Registry returns the connection registry, for server-side notifications.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	deviceID := q.Get("deviceId")

	if token == "" || deviceID == "" {
		http.Error(w, "Missing token or deviceId", http.StatusBadRequest)
		return
	}

	id, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}
		s.logger.Error("authenticate failed", "error", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	p := newPeer(conn, id, deviceID, s.cfg.SendBuffer)
	s.registry.Add(p)

	go p.writePump(s.cfg.WriteTimeout, &s.closeCode)

	p.Send(mustJSON(confirmation{
		Type:      "connection_confirmed",
		UserID:    id.ClientID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
	}))

	s.readPump(p)
}

// Close closes every peer with a going-away code.
func (s *Server) Close() {
	s.closeCode.Store(websocket.CloseGoingAway)
	for _, p := range s.registry.peers() {
		s.registry.Remove(p)
		p.close()
	}
}

func (s *Server) readPump(p *Peer) {
	defer func() {
		s.registry.Remove(p)
		p.close()
		s.logger.Info("disconnected",
			"client_id", p.ClientID,
			"device_id", p.DeviceID,
			"total", s.registry.Total(),
		)
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "client_id", p.ClientID, "error", err)
			}
			return
		}
		s.handleMessage(p, data)
	}
}

type confirmation struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

type pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// clientFrame is what clients send: payload fields sit next to "type".
type clientFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
	IsTyping *bool  `json:"isTyping"`
	IsOnline *bool  `json:"isOnline"`
}

// relayFrame is what other clients receive: payload nested under "data".
type relayFrame struct {
	Type string    `json:"type"`
	Data relayData `json:"data"`
}

type relayData struct {
	ThreadID string `json:"threadId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	GuestID  string `json:"guestId,omitempty"`
	IsTyping *bool  `json:"isTyping,omitempty"`
	IsOnline *bool  `json:"isOnline,omitempty"`
}

func (s *Server) handleMessage(p *Peer, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("dropping malformed frame", "client_id", p.ClientID, "error", err)
		return
	}

	switch f.Type {
	case connection.TypePing:
		p.Send(mustJSON(pong{Type: connection.TypePong, Timestamp: time.Now().UnixMilli()}))

	case connection.TypeTyping:
		if f.ThreadID == "" {
			return
		}
		typing := f.IsTyping != nil && *f.IsTyping
		s.relay(p, relayData{ThreadID: f.ThreadID, IsTyping: &typing}, connection.TypeTyping)

	case connection.TypePresence:
		online := f.IsOnline != nil && *f.IsOnline
		s.relay(p, relayData{ThreadID: f.ThreadID, IsOnline: &online}, connection.TypePresence)

	default:
		s.logger.Debug("ignoring frame", "type", f.Type, "client_id", p.ClientID)
	}
}

// relay forwards a typing or presence event from p to every other client.
// The sender identity comes from authentication, never from the frame.
func (s *Server) relay(p *Peer, d relayData, typ string) {
	d.UserID = p.Identity.UserID
	d.GuestID = p.Identity.GuestID
	s.registry.BroadcastExcept(p.ClientID, relayFrame{Type: typ, Data: d})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// ListenAndServe serves the hub at path on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("hub listening", "addr", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
