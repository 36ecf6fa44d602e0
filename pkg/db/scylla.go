// Package db connects to ScyllaDB and implements the chat history store
// on top of it.
package db

import (
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Config struct {
	Hosts    []string
	Keyspace string
	Logger   *slog.Logger
}

type Session struct {
	*gocql.Session
}

func cluster(hosts []string, keyspace string) *gocql.ClusterConfig {
	c := gocql.NewCluster(hosts...)
	c.Keyspace = keyspace
	c.Consistency = gocql.Quorum
	c.SerialConsistency = gocql.LocalSerial
	c.Timeout = 5 * time.Second
	c.ConnectTimeout = 5 * time.Second
	c.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return c
}

func NewSession(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session, err := cluster(cfg.Hosts, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, err
	}
	logger.Info("connected to ScyllaDB", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return &Session{Session: session}, nil
}
