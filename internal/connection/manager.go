package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Manager maintains a single logical connection to the message server.
//
// Every connection attempt runs under a new epoch. Timers and the dial and
// read goroutines capture the epoch they were started for and do nothing once
// it has been retired, so a stale timer can never act on a newer connection.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	logger *slog.Logger

	handlers       callbackList[Handler]
	onOpen         callbackList[func()]
	onReconnecting callbackList[func()]
	onLost         callbackList[func()]
	onRestored     callbackList[func()]
	onConnect      callbackList[func()] // one-shot, cleared on open

	mu         sync.Mutex
	state      State
	url        string
	conn       Conn
	done       chan struct{} // closed when conn's read loop exits
	connecting bool          // attempt in flight
	epoch      uint64
	forced     bool  // conn is being closed by the manager itself
	forcedBy   error // why, when forced
	lastErr    error
	lost       bool // next open restores a lost connection
	attempts   int
	backoff    time.Duration
	dialCancel context.CancelFunc

	pingTimer      *time.Timer
	pongTimer      *time.Timer
	pongSeq        uint64
	connectTimer   *time.Timer
	reconnectTimer *time.Timer

	connects       atomic.Int64
	reconnects     atomic.Int64
	framesReceived atomic.Int64
	framesDropped  atomic.Int64
	pongs          atomic.Int64
	panics         atomic.Int64
	sendFailures   atomic.Int64
}

// NewManager creates a Connection Manager. A nil dialer uses gorilla/websocket
// with default settings.
func NewManager(cfg ManagerConfig, dialer Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if dialer == nil {
		dialer = NewDialer(DefaultDialerConfig(), logger)
	}

	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With("component", "connection"),
		state:   StateDisconnected,
		backoff: cfg.ReconnectBaseDelay,
	}
}

// Connect opens a connection to url, or to the last known URL when url is
// empty. It never blocks on the network: the attempt runs in the background
// and its outcome is reported through cb and the lifecycle callbacks.
//
// Calling Connect while already connected to the same URL, or while an attempt
// is in flight, only registers cb. Connecting to a different URL closes the
// current connection first.
func (m *Manager) Connect(url string, cb Callbacks) {
	m.mu.Lock()
	target := url
	if target == "" {
		target = m.url
	}
	if target == "" {
		m.mu.Unlock()
		m.logger.Debug("connect skipped, no target url")
		return
	}

	if m.state == StateConnected && m.conn != nil && m.url == target {
		m.register(cb)
		m.mu.Unlock()
		m.logger.Debug("already connected, skipping connection")
		return
	}

	if m.connecting {
		m.register(cb)
		m.mu.Unlock()
		m.logger.Debug("connection already in progress, skipping")
		return
	}

	// Claim the guard before any blocking work.
	m.connecting = true
	if m.state == StateDisconnected {
		m.attempts = 0
	}
	m.register(cb)

	if m.conn != nil && m.url != target {
		old, oldDone := m.retireLocked()
		m.state = StateConnecting
		m.url = target
		epoch := m.epoch
		m.mu.Unlock()

		// The caller may be a subscriber running on old's read loop, so the
		// close is awaited on another goroutine.
		go m.replace(epoch, target, old, oldDone)
		return
	}

	m.beginAttemptLocked(target)
	m.mu.Unlock()
}

// replace closes old gracefully and then dials target, unless Close or a
// newer attempt took over in the meantime.
func (m *Manager) replace(epoch uint64, target string, old Conn, oldDone chan struct{}) {
	m.logger.Info("closing existing connection for new target")
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
	if err := m.closeAndWait(ctx, old, oldDone); err != nil {
		m.logger.Warn("previous connection did not confirm close", "error", err)
	}
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || !m.connecting {
		return
	}
	m.beginAttemptLocked(target)
}

// ForceReconnect resets the retry budget and drops the current socket, which
// drives the normal unexpected-close path. With no socket and no attempt in
// flight, a pending backoff is skipped and an attempt starts immediately.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	m.attempts = 0

	if m.conn != nil {
		epoch := m.epoch
		m.mu.Unlock()
		m.logger.Info("forcing reconnection")
		m.forceClose(epoch, ErrForcedReconnect)
		return
	}
	defer m.mu.Unlock()

	if m.connecting || m.url == "" {
		return
	}
	m.logger.Info("forcing reconnection attempt")
	m.connecting = true
	m.lost = true
	m.beginAttemptLocked(m.url)
}

// Close shuts the connection down deliberately: all timers are stopped, no
// reconnect is scheduled, the target URL is forgotten, and Close returns once
// the read loop has confirmed the socket is gone.
//
// Close must not be called from a subscriber, since subscribers run on the
// read loop that Close waits for.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	conn, done := m.retireLocked()
	m.url = ""
	m.connecting = false
	m.attempts = 0
	m.backoff = m.cfg.ReconnectBaseDelay
	m.lost = false
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	m.logger.Info("closing connection")
	return m.closeAndWait(ctx, conn, done)
}

// Send marshals msg as JSON and writes it if the connection is open. Failures
// are expected while reconnecting and are reported as false.
func (m *Manager) Send(msg any) bool {
	m.mu.Lock()
	conn := m.conn
	ready := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !ready {
		m.sendFailures.Add(1)
		m.logger.Debug("cannot send message, websocket not connected")
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.sendFailures.Add(1)
		m.logger.Warn("failed to marshal message", "error", err)
		return false
	}

	if err := conn.WriteMessage(data); err != nil {
		m.sendFailures.Add(1)
		m.logger.Debug("failed to write message", "error", err)
		return false
	}
	return true
}

// NotifyTyping sends a typing indicator.
func (m *Manager) NotifyTyping(t Typing) bool {
	return m.Send(typingFrame{Type: TypeTyping, Typing: t})
}

// NotifyPresence sends a presence update.
func (m *Manager) NotifyPresence(p Presence) bool {
	return m.Send(presenceFrame{Type: TypePresence, Presence: p})
}

// Subscribe registers h for every inbound frame except pongs. The returned
// function removes exactly this registration and is safe to call more than
// once, including from inside h.
func (m *Manager) Subscribe(h Handler) (unsubscribe func()) {
	return m.handlers.add(h)
}

// OnOpen registers fn for every successful open.
func (m *Manager) OnOpen(fn func()) func() { return m.onOpen.add(fn) }

// OnReconnecting registers fn for every transition into reconnecting.
func (m *Manager) OnReconnecting(fn func()) func() { return m.onReconnecting.add(fn) }

// OnConnectionLost registers fn for unexpected closes and exhausted retries.
func (m *Manager) OnConnectionLost(fn func()) func() { return m.onLost.add(fn) }

// OnConnectionRestored registers fn for opens that follow a lost connection.
func (m *Manager) OnConnectionRestored(fn func()) func() { return m.onRestored.add(fn) }

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the current target URL ("" after a clean close).
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	state, attempts, backoff, lastErr := m.state, m.attempts, m.backoff, m.lastErr
	m.mu.Unlock()

	return Stats{
		State:          state,
		Attempts:       attempts,
		Backoff:        backoff,
		LastError:      lastErr,
		Connects:       m.connects.Load(),
		Reconnects:     m.reconnects.Load(),
		FramesReceived: m.framesReceived.Load(),
		FramesDropped:  m.framesDropped.Load(),
		PongsReceived:  m.pongs.Load(),
		HandlerPanics:  m.panics.Load(),
		SendFailures:   m.sendFailures.Load(),
	}
}

// register adds the non-nil callbacks to their lifecycle sets.
func (m *Manager) register(cb Callbacks) {
	if cb.OnConnect != nil {
		m.onConnect.add(cb.OnConnect)
	}
	if cb.OnReconnect != nil {
		m.onReconnecting.add(cb.OnReconnect)
	}
	if cb.OnConnectionLost != nil {
		m.onLost.add(cb.OnConnectionLost)
	}
	if cb.OnConnectionRestored != nil {
		m.onRestored.add(cb.OnConnectionRestored)
	}
}

// beginAttemptLocked starts a connection attempt under a fresh epoch.
// The caller holds m.mu and has set m.connecting.
func (m *Manager) beginAttemptLocked(target string) {
	stopTimer(&m.reconnectTimer)
	stopTimer(&m.connectTimer)
	if m.dialCancel != nil {
		m.dialCancel()
	}

	m.epoch++
	epoch := m.epoch
	m.forced = false
	m.forcedBy = nil
	m.url = target
	if m.attempts > 0 {
		m.state = StateReconnecting
	} else {
		m.state = StateConnecting
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.connectTimedOut(epoch) })

	m.logger.Debug("connecting", "url", redactURL(target), "attempt", m.attempts, "epoch", epoch)

	go m.dial(ctx, epoch, target)
}

// retireLocked detaches the current connection and invalidates every timer
// and goroutine bound to it. The caller holds m.mu.
func (m *Manager) retireLocked() (Conn, chan struct{}) {
	m.stopHeartbeatLocked()
	stopTimer(&m.connectTimer)
	stopTimer(&m.reconnectTimer)
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	m.epoch++
	conn, done := m.conn, m.done
	m.conn, m.done = nil, nil
	m.state = StateDisconnected
	return conn, done
}

// closeAndWait closes conn gracefully and waits for its read loop to exit.
func (m *Manager) closeAndWait(ctx context.Context, conn Conn, done chan struct{}) error {
	if err := conn.Close(); err != nil {
		m.logger.Debug("close returned error", "error", err)
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		m.logger.Debug("websocket close confirmed")
		return nil
	case <-ctx.Done():
		_ = conn.Terminate()
		return ctx.Err()
	}
}

func (m *Manager) dial(ctx context.Context, epoch uint64, target string) {
	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		m.handleDialFailure(epoch, err)
		return
	}
	m.handleOpen(epoch, conn)
}

func (m *Manager) handleOpen(epoch uint64, conn Conn) {
	m.mu.Lock()
	if epoch != m.epoch || !m.connecting {
		m.mu.Unlock()
		m.logger.Debug("discarding stale connection", "epoch", epoch)
		_ = conn.Terminate()
		return
	}

	stopTimer(&m.connectTimer)
	m.connecting = false
	m.conn = conn
	done := make(chan struct{})
	m.done = done
	m.state = StateConnected
	m.attempts = 0
	m.backoff = m.cfg.ReconnectBaseDelay
	restored := m.lost
	m.lost = false
	m.startHeartbeatLocked(epoch)

	open := m.onOpen.snapshot()
	commitments := m.onConnect.take()
	var restoredCbs []entry[func()]
	if restored {
		restoredCbs = m.onRestored.snapshot()
	}
	target := m.url
	m.mu.Unlock()

	m.connects.Add(1)
	m.logger.Info("websocket connected", "url", redactURL(target), "restored", restored)

	go m.readLoop(epoch, conn, done)

	m.fire("open", open)
	m.fire("connect", commitments)
	m.fire("restored", restoredCbs)
}

// handleDialFailure treats a failed attempt like an unexpected close.
func (m *Manager) handleDialFailure(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.logger.Warn("connection attempt failed", "error", err, "attempt", m.attempts)
	next := m.attemptFailedLocked()
	m.mu.Unlock()

	next()
}

// connectTimedOut aborts an attempt that has not resolved within the ceiling
// and releases the in-flight guard.
func (m *Manager) connectTimedOut(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || !m.connecting {
		m.mu.Unlock()
		return
	}
	m.connectTimer = nil
	cancel := m.dialCancel
	m.dialCancel = nil
	// A late dial result for this attempt is discarded.
	m.epoch++
	m.lastErr = ErrConnectTimeout
	m.logger.Warn("connection attempt timed out, releasing guard", "error", ErrConnectTimeout, "timeout", m.cfg.ConnectTimeout)
	next := m.attemptFailedLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	next()
}

func (m *Manager) attemptFailedLocked() func() {
	stopTimer(&m.connectTimer)
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.connecting = false
	m.lost = true
	return m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer, or gives up once the retry
// budget is spent. It returns the callbacks to run after m.mu is released.
func (m *Manager) scheduleReconnectLocked() func() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateDisconnected
		m.logger.Error("max reconnection attempts reached", "attempts", m.attempts)
		lost := m.onLost.snapshot()
		return func() { m.fire("lost", lost) }
	}

	m.state = StateReconnecting
	m.attempts++
	delay := m.backoffFor(m.attempts)
	m.backoff = delay
	epoch := m.epoch
	stopTimer(&m.reconnectTimer)
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectNow(epoch) })
	m.reconnects.Add(1)

	m.logger.Info("reconnecting",
		"delay", delay,
		"attempt", m.attempts,
		"max_attempts", m.cfg.MaxReconnectAttempts,
	)

	reconnecting := m.onReconnecting.snapshot()
	return func() { m.fire("reconnecting", reconnecting) }
}

func (m *Manager) reconnectNow(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.connecting || m.conn != nil || m.url == "" {
		return
	}
	m.reconnectTimer = nil
	m.connecting = true
	m.beginAttemptLocked(m.url)
}

// backoffFor returns min(base × attempt, ceiling).
func (m *Manager) backoffFor(attempt int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay * time.Duration(attempt)
	if delay > m.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = m.cfg.ReconnectMaxDelay
	}
	return delay
}

// readLoop delivers frames from conn until it closes.
func (m *Manager) readLoop(epoch uint64, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(epoch, err)
			return
		}
		m.handleMessage(epoch, data, time.Now())
	}
}

func (m *Manager) handleMessage(epoch uint64, data []byte, receivedAt time.Time) {
	frame, ok := decodeFrame(data)
	if !ok {
		m.framesDropped.Add(1)
		m.logger.Debug("dropping malformed frame", "bytes", len(data))
		return
	}
	m.framesReceived.Add(1)

	if frame.Type == TypePong {
		m.handlePong(epoch)
		return
	}

	m.mu.Lock()
	stale := epoch != m.epoch
	m.mu.Unlock()
	if stale {
		return
	}

	frame.ReceivedAt = receivedAt
	for _, e := range m.handlers.snapshot() {
		m.deliver(e.fn, frame)
	}
}

// deliver runs one subscriber, isolating its panics from the others.
func (m *Manager) deliver(h Handler, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.logger.Warn("subscriber panicked", "type", f.Type, "panic", r)
		}
	}()
	h(f)
}

func (m *Manager) handleClose(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	m.stopHeartbeatLocked()
	stopTimer(&m.connectTimer)
	m.connecting = false
	m.conn, m.done = nil, nil

	if !m.forced && isCleanClose(err) {
		m.state = StateDisconnected
		m.url = ""
		m.attempts = 0
		m.lost = false
		m.mu.Unlock()
		m.logger.Info("websocket closed cleanly")
		return
	}

	if m.forced && m.forcedBy != nil {
		err = m.forcedBy
	}
	m.lastErr = err
	m.lost = true
	m.state = StateReconnecting
	lost := m.onLost.snapshot()
	next := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.logger.Warn("connection lost unexpectedly", "error", err)
	m.fire("lost", lost)
	next()
}

// forceClose drops the socket for epoch; the read loop then reports an
// unexpected close.
func (m *Manager) forceClose(epoch uint64, reason error) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.forced = true
	m.forcedBy = reason
	conn := m.conn
	m.mu.Unlock()

	m.logger.Warn("forcing connection closed", "reason", reason)
	_ = conn.Terminate()
}

func (m *Manager) startHeartbeatLocked(epoch uint64) {
	m.stopHeartbeatLocked()
	m.pingTimer = time.AfterFunc(m.cfg.PingInterval, func() { m.ping(epoch) })
}

func (m *Manager) stopHeartbeatLocked() {
	stopTimer(&m.pingTimer)
	stopTimer(&m.pongTimer)
	m.pongSeq++
}

func (m *Manager) ping(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.pingTimer = time.AfterFunc(m.cfg.PingInterval, func() { m.ping(epoch) })
	// An outstanding deadline is kept: a later ping must not extend it.
	if m.pongTimer == nil {
		m.pongSeq++
		seq := m.pongSeq
		m.pongTimer = time.AfterFunc(m.cfg.PongTimeout, func() { m.pongMissed(epoch, seq) })
	}
	m.mu.Unlock()

	if !m.Send(pingFrame{Type: TypePing}) {
		m.logger.Debug("failed to send ping")
	}
}

func (m *Manager) handlePong(epoch uint64) {
	m.pongs.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	stopTimer(&m.pongTimer)
	m.pongSeq++
	m.logger.Debug("received pong, connection alive")
}

func (m *Manager) pongMissed(epoch, seq uint64) {
	m.mu.Lock()
	current := epoch == m.epoch && seq == m.pongSeq && m.pongTimer != nil
	if current {
		m.pongTimer = nil
	}
	m.mu.Unlock()

	if current {
		m.forceClose(epoch, ErrPongTimeout)
	}
}

// fire runs lifecycle callbacks, isolating panics.
func (m *Manager) fire(event string, entries []entry[func()]) {
	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.panics.Add(1)
					m.logger.Warn("lifecycle callback panicked", "event", event, "panic", r)
				}
			}()
			e.fn()
		}()
	}
}

// decodeFrame parses a JSON object frame. Anything else is malformed.
func decodeFrame(data []byte) (Frame, bool) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Frame{}, false
	}
	typ, _ := obj["type"].(string)
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Type: typ, Data: obj, Raw: raw}, true
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// redactURL strips the query (which carries the session token) for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
