package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/chat-fanout/pkg/auth"
	"github.com/mahaj/chat-fanout/pkg/backends"
	"github.com/mahaj/chat-fanout/pkg/chat"
	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/logging"
	"github.com/mahaj/chat-fanout/pkg/presence"
	"github.com/mahaj/chat-fanout/pkg/projector"
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("api: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// newServer wires the read side over b. Presence is only available when
// the state lives in Redis.
func newServer(cfg *config.Config, b *backends.Backends, logger *slog.Logger) *Server {
	q := chat.NewQuery(b.History, projector.New(b.State, logger))
	var p *presence.Presence
	if b.Redis != nil {
		p = presence.New(b.Redis, presence.WithLogger(logger))
	}
	return NewServer(q, p, auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL), logger)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backends.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if cfg.Store == config.BackendMemory {
		logger.Warn("memory store is private to this process; the api sees no gateway writes")
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           newServer(cfg, b, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("api service starting", "addr", cfg.APIAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
