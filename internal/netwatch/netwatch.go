// Package netwatch probes the message server's health endpoints and kicks the
// Connection Manager when the network comes back.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chatlink/internal/version"
)

// Reconnector is the part of the Connection Manager the monitor drives.
type Reconnector interface {
	IsConnected() bool
	ForceReconnect()
}

// Monitor tracks whether the server is reachable.
type Monitor struct {
	urls       []string
	rc         Reconnector
	httpClient *http.Client
	logger     *slog.Logger
	interval   time.Duration
	timeout    time.Duration
	throttle   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	online    bool
	checking  bool
	lastCheck time.Time
	onChange  []func(online bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// New creates a Monitor for the given health URLs. All URLs must answer for
// the network to count as online.
func New(urls []string, rc Reconnector, opts ...Option) *Monitor {
	m := &Monitor{
		urls:       urls,
		rc:         rc,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		interval:   30 * time.Second,
		timeout:    5 * time.Second,
		throttle:   5 * time.Second,
		now:        time.Now,
		online:     true,
	}

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "netwatch")

	return m
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Monitor) {
		m.httpClient = hc
	}
}

// WithTimeout sets the per-check timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.timeout = d
	}
}

// WithInterval sets the polling period used by Run.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithThrottle sets the minimum gap between two checks.
func WithThrottle(d time.Duration) Option {
	return func(m *Monitor) {
		m.throttle = d
	}
}

// OnChange registers fn for online/offline transitions.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Online returns the result of the last completed check.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("network monitor started", "interval", m.interval, "targets", len(m.urls))

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes the health URLs and returns the resulting status. Calls closer
// together than the throttle, or made while another check is running, return
// the last known status without probing.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	now := m.now()
	if m.checking || (!m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.throttle) {
		online := m.online
		m.mu.Unlock()
		return online
	}
	m.checking = true
	m.lastCheck = now
	m.mu.Unlock()

	online := m.probeAll(ctx)

	m.mu.Lock()
	m.checking = false
	was := m.online
	m.online = online
	hooks := append([]func(bool){}, m.onChange...)
	m.mu.Unlock()

	if was == online {
		return online
	}

	if online {
		m.logger.Info("network back online")
		if !m.rc.IsConnected() {
			m.rc.ForceReconnect()
		}
	} else {
		m.logger.Warn("network offline")
	}
	for _, fn := range hooks {
		fn(online)
	}
	return online
}

func (m *Monitor) probeAll(ctx context.Context) bool {
	if len(m.urls) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range m.urls {
		g.Go(func() error { return m.probe(gctx, u) })
	}

	if err := g.Wait(); err != nil {
		m.logger.Debug("health check failed", "error", err)
		return false
	}
	return true
}

func (m *Monitor) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("head %s: %w", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("head %s: status %d", url, resp.StatusCode)
	}
	return nil
}
