package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mahaj/chat-fanout/pkg/backends"
	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("gateway: " + err.Error() + "\n")
		os.Exit(1)
	}
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

	hub, err := NewHub(cfg, b, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: hub.Routes(), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		logger.Info("gateway service starting", "addr", cfg.GatewayAddr, "outbox", cfg.Outbox)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, hub.Close())
	})
	return g.Wait()
}
