package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/db"
	"github.com/mahaj/chat-fanout/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("open log", "err", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := db.Migrate(ctx, db.Config{Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace, Logger: logger}); err != nil {
		logger.Error("migrate", "err", err)
		os.Exit(1)
	}
	logger.Info("schema ready", "keyspace", cfg.ScyllaKeyspace, "tables", db.TableNames())
}
