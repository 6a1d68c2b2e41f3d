package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/database"
	"github.com/rickgao/chatlink/internal/netwatch"
	"github.com/rickgao/chatlink/internal/presence"
	"github.com/rickgao/chatlink/internal/recorder"
	"github.com/rickgao/chatlink/internal/session"
	"github.com/rickgao/chatlink/internal/version"
)

const shutdownTimeout = 10 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the chat server and log incoming frames",
	Args:  cobra.NoArgs,
	RunE:  runListen,
}

func runListen(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := connection.NewTransport(cfg.Connection.Transport, dialerConfig(cfg.Connection), logger)
	if err != nil {
		return err
	}
	mgr := connection.NewManager(managerConfig(cfg.Connection), dialer, logger)

	unsubscribe := mgr.Subscribe(func(f connection.Frame) {
		logger.Info("frame received", "type", f.Type, "bytes", len(f.Raw))
	})
	defer unsubscribe()

	tracker := presence.New(mgr,
		presence.Identity{UserID: cfg.Session.UserID, GuestID: cfg.Session.GuestID},
		presence.Config{TypingTTL: cfg.Presence.TypingTTL, TypingInterval: cfg.Presence.TypingInterval},
		logger,
	)
	defer tracker.Close()
	tracker.OnChange(func(threadID string) {
		logger.Info("thread activity",
			"thread_id", threadID,
			"typing", len(tracker.Typing(threadID)),
			"online", len(tracker.Online(threadID)),
		)
	})

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		pool, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("database connected", "host", cfg.Database.Host, "database", cfg.Database.Name)

		rec = recorder.New(recorder.Config{
			InstanceID:    cfg.Instance.ID,
			Types:         cfg.Recorder.Types,
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, recorder.NewPGStore(pool), logger)
		if err := rec.Start(ctx, mgr); err != nil {
			return err
		}
	}

	sess := session.New(cfg.Server.URL, mgr, connection.Callbacks{
		OnConnect:            func() { logger.Info("connected") },
		OnConnectionLost:     func() { logger.Warn("connection lost") },
		OnConnectionRestored: func() { logger.Info("connection restored") },
	}, logger)

	creds, err := loadCredentials(cfg.Session, logger)
	if err != nil {
		return err
	}
	if _, err := sess.Apply(creds); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if path := cfg.Session.CredentialsPath; path != "" {
		g.Go(func() error { return sess.Watch(gctx, path, session.DefaultDebounce) })
	}

	if !cfg.Netwatch.Disabled && len(cfg.Server.HealthURLs) > 0 {
		mon := netwatch.New(cfg.Server.HealthURLs, mgr,
			netwatch.WithLogger(logger),
			netwatch.WithTimeout(cfg.Netwatch.Timeout),
			netwatch.WithInterval(cfg.Netwatch.Interval),
			netwatch.WithThrottle(cfg.Netwatch.Throttle),
		)
		mon.OnChange(func(online bool) {
			if !online {
				logger.Warn("network offline")
			}
		})
		g.Go(func() error { return mon.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("chatlink running", "instance_id", cfg.Instance.ID, "transport", cfg.Connection.Transport)

	runErr := g.Wait()

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rec != nil {
		if err := rec.Stop(shutdownCtx); err != nil {
			logger.Error("recorder stop failed", "error", err)
		}
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Error("connection close failed", "error", err)
	}

	stats := mgr.Stats()
	logger.Info("chatlink stopped",
		"connects", stats.Connects,
		"reconnects", stats.Reconnects,
		"frames", stats.FramesReceived,
		"dropped", stats.FramesDropped,
	)
	return runErr
}

func managerConfig(c config.ConnectionConfig) connection.ManagerConfig {
	return connection.ManagerConfig{
		ConnectTimeout:       c.ConnectTimeout,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.ReconnectMaxDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		PingInterval:         c.PingInterval,
		PongTimeout:          c.PongTimeout,
		CloseTimeout:         c.CloseTimeout,
	}
}

func dialerConfig(c config.ConnectionConfig) connection.DialerConfig {
	return connection.DialerConfig{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		ReadLimit:        c.ReadLimit,
		Header:           http.Header{"User-Agent": []string{version.UserAgent()}},
	}
}

// loadCredentials resolves the token and device ID from the credentials file
// when one is configured, falling back to the inline session settings. A
// device ID generated here is written back so it stays stable across runs.
func loadCredentials(sc config.SessionConfig, logger *slog.Logger) (session.Credentials, error) {
	if sc.CredentialsPath == "" {
		creds := session.Credentials{Token: sc.Token, DeviceID: sc.DeviceID}
		if creds.DeviceID == "" {
			creds.DeviceID = session.NewDeviceID()
			logger.Warn("session.device_id not set, using a one-off device id", "device_id", creds.DeviceID)
		}
		return creds, nil
	}

	creds, generated, err := session.LoadCredentials(sc.CredentialsPath)
	if err != nil {
		return session.Credentials{}, err
	}
	if generated {
		// Only the device ID is written; the token stays as configured.
		if err := session.SaveDeviceID(sc.CredentialsPath, creds.DeviceID); err != nil {
			return session.Credentials{}, err
		}
		logger.Info("generated device id", "device_id", creds.DeviceID, "path", sc.CredentialsPath)
	}
	if creds.Token == "" {
		creds.Token = sc.Token
	}
	return creds, nil
}
