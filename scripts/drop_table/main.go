package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/db"
	"github.com/mahaj/chat-fanout/pkg/logging"
)

// Usage: drop_table messages replies
// With no arguments every table is dropped.
func main() {
	flag.Parse()
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

	session, err := db.NewSession(db.Config{Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace, Logger: logger})
	if err != nil {
		logger.Error("connect to scylla", "err", err)
		os.Exit(1)
	}
	defer session.Close()

	names := flag.Args()
	if len(names) == 0 {
		names = db.TableNames()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	logger.Info("dropping tables", "tables", names)
	if err := db.Drop(ctx, session, names...); err != nil {
		logger.Error("drop", "err", err)
		os.Exit(1)
	}
	logger.Info("tables dropped")
}
