package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/config"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/httpserver"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/lobby"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/metrics"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/origin"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the pairing and signaling server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting cosleep-pairing server",
		"listen_addr", cfg.ListenAddr,
		"auth_mode", cfg.AuthMode,
		"allowed_origins", cfg.AllowedOrigins,
		"negotiation_deadline", cfg.NegotiationDeadline,
		"max_negotiation_attempts", cfg.MaxNegotiationAttempts,
		"turn_rest_enabled", cfg.TURNRESTSharedSecret != "",
	)

	m := metrics.New()
	hub := lobby.New(logger, m)

	checker, err := origin.NewChecker(cfg.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("origin policy: %w", err)
	}

	ws, err := signaling.NewWebSocketServer(cfg, logger, hub, checker.AllowRequest)
	if err != nil {
		return fmt.Errorf("signaling server: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, hub, m, checker, ws)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}
