// Package config loads process settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend names accepted by STORE, STATE and OUTBOX.
const (
	BackendMemory = "memory"
	BackendScylla = "scylla"
	BackendRedis  = "redis"
	BackendLocal  = "local"
	BackendKafka  = "kafka"
)

type Config struct {
	GatewayAddr string `env:"GATEWAY_ADDR" envDefault:":8080"`
	APIAddr     string `env:"API_ADDR" envDefault:":8081"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"my_secret_key"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	Store  string `env:"STORE" envDefault:"memory"`
	State  string `env:"STATE" envDefault:"memory"`
	Outbox string `env:"OUTBOX" envDefault:"local"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat-events"`
	// KafkaGroup is the relay's consumer group. Empty gives every gateway
	// its own group, so each one sees every event.
	KafkaGroup string `env:"KAFKA_GROUP"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	ScyllaHosts    []string `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	ScyllaKeyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`

	NodeID        int64         `env:"NODE_ID" envDefault:"1"`
	TypingTTL     time.Duration `env:"TYPING_TTL" envDefault:"5s"`
	FanoutWorkers int           `env:"FANOUT_WORKERS" envDefault:"8"`
	FanoutDepth   int           `env:"FANOUT_DEPTH" envDefault:"1024"`
	SendBuffer    int           `env:"SEND_BUFFER" envDefault:"256"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Store, BackendMemory, BackendScylla) {
		errs = append(errs, fmt.Errorf("STORE must be memory or scylla, got %q", c.Store))
	}
	if !oneOf(c.State, BackendMemory, BackendRedis) {
		errs = append(errs, fmt.Errorf("STATE must be memory or redis, got %q", c.State))
	}
	if !oneOf(c.Outbox, BackendLocal, BackendKafka) {
		errs = append(errs, fmt.Errorf("OUTBOX must be local or kafka, got %q", c.Outbox))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("NODE_ID must be in [0, 1023], got %d", c.NodeID))
	}
	if c.TypingTTL <= 0 {
		errs = append(errs, errors.New("TYPING_TTL must be positive"))
	}
	if c.FanoutWorkers <= 0 || c.FanoutDepth <= 0 || c.SendBuffer <= 0 {
		errs = append(errs, errors.New("FANOUT_WORKERS, FANOUT_DEPTH and SEND_BUFFER must be positive"))
	}
	if c.Outbox == BackendKafka && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required with OUTBOX=kafka"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
