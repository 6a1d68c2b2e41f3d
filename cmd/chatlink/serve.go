package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/chatlink/internal/hub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat protocol for local clients",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var auth hub.Authenticator
	if len(cfg.Hub.Tokens) > 0 {
		auth = hub.StaticAuthenticator(cfg.Hub.Tokens)
	} else {
		logger.Warn("hub.tokens is empty, accepting any token")
	}

	srv := hub.NewServer(hub.Config{
		SendBuffer:   cfg.Hub.SendBuffer,
		WriteTimeout: cfg.Connection.WriteTimeout,
		ReadLimit:    cfg.Connection.ReadLimit,
	}, auth, logger)

	if err := srv.ListenAndServe(ctx, cfg.Hub.ListenAddr, cfg.Hub.Path); err != nil {
		return err
	}
	logger.Info("hub stopped")
	return nil
}
