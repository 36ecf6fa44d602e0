// Package backends opens the storage the configuration asks for: the
// history store, the projector's state store and, when Redis is in play,
// the shared client presence also uses.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/db"
	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/projector"
)

type Backends struct {
	History history.Store
	State   projector.StateStore
	// Redis is nil unless STATE=redis.
	Redis  redis.UniversalClient
	Scylla *db.Session
}

// Memory returns process-local backends.
func Memory() *Backends {
	return &Backends{History: history.NewMemoryStore(), State: projector.NewMemoryStore()}
}

func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b := Memory()
	if cfg.Store == config.BackendScylla {
		session, err := db.NewSession(db.Config{Hosts: cfg.ScyllaHosts, Keyspace: cfg.ScyllaKeyspace, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("connect scylla: %w", err)
		}
		b.Scylla = session
		b.History = db.NewStore(session, logger)
	}
	if cfg.State == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			b.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		b.Redis = rdb
		b.State = projector.NewRedisStore(rdb)
	}
	logger.Info("backends ready", "store", cfg.Store, "state", cfg.State)
	return b, nil
}

func (b *Backends) Close() error {
	var errs []error
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.Scylla != nil {
		b.Scylla.Close()
	}
	return errors.Join(errs...)
}
