// Command cherry is a GitHub App that merges pull requests through a
// tested merge queue. `cherry run` serves webhooks and polls; `cherry
// migrate` brings the database schema up to date and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryslith/cherry/internal/config"
	"github.com/cryslith/cherry/internal/controller"
	"github.com/cryslith/cherry/internal/github"
	"github.com/cryslith/cherry/internal/poller"
	"github.com/cryslith/cherry/internal/store"
	"github.com/cryslith/cherry/internal/webhook"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cherry <run|migrate>")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	})))

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseAddress)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	switch args[0] {
	case "migrate":
		if err := store.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		slog.Info("migrations complete")

		return nil
	case "run":
		return serve(ctx, cfg, pool)
	default:
		return fmt.Errorf("unknown subcommand %q, expected run or migrate", args[0])
	}
}

func serve(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	slog.Info("starting cherry",
		"bind", cfg.BindAddress,
		"app_id", cfg.AppID,
		"poll_interval", cfg.PollInterval,
	)

	if cfg.WebhookSecret == "" {
		slog.Warn("GITHUB_WEBHOOK_SECRET not set, webhook signatures will not be verified")
	}

	credentials := github.Credentials{AppID: cfg.AppID, PrivateKey: cfg.PrivateKey}
	client := github.NewClient(credentials, github.NewTokenCache(), "")
	ctrl := controller.New(client, pool)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook.New(cfg.WebhookSecret, ctrl, client))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go poller.Run(ctx, ctrl, cfg.PollInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.BindAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	slog.Info("shutdown complete")

	return nil
}
