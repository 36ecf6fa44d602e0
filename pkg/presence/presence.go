// Package presence mirrors who is online and who is looking at which chat
// into Redis, so every gateway and the API see the same picture.
//
// Both are reference counted hashes: a user connected to two gateways stays
// online until the second one lets go.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineKey      = "presence:online"
	defaultTimeout = 2 * time.Second
)

// ViewersKey is the hash of users viewing a chat.
func ViewersKey(chatID string) string { return "channel:" + chatID + ":users" }

// Drops the field once its count reaches zero.
var releaseScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

type Presence struct {
	redis   redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Presence)

func WithLogger(l *slog.Logger) Option {
	return func(p *Presence) { p.logger = l }
}

// WithTimeout bounds each Redis call made from a hook.
func WithTimeout(d time.Duration) Option {
	return func(p *Presence) { p.timeout = d }
}

func New(rdb redis.UniversalClient, opts ...Option) *Presence {
	p := &Presence{redis: rdb, timeout: defaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Presence) acquire(key, field string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.redis.HIncrBy(ctx, key, field, 1).Err(); err != nil {
		p.logger.Error("set presence", "key", key, "user", field, "err", err)
	}
}

func (p *Presence) release(key, field string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := releaseScript.Run(ctx, p.redis, []string{key}, field).Err(); err != nil {
		p.logger.Error("delete presence", "key", key, "user", field, "err", err)
	}
}

// Online and Offline are the registry's first-connect and last-disconnect
// hooks.
func (p *Presence) Online(userID string)  { p.acquire(onlineKey, userID) }
func (p *Presence) Offline(userID string) { p.release(onlineKey, userID) }

// Joined and Left make Presence a router observer.
func (p *Presence) Joined(chatID, userID string) { p.acquire(ViewersKey(chatID), userID) }
func (p *Presence) Left(chatID, userID string)   { p.release(ViewersKey(chatID), userID) }

func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.redis.HExists(ctx, onlineKey, userID).Result()
}

// OnlineAmong returns the members of userIDs that are online, in order.
func (p *Presence) OnlineAmong(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return []string{}, nil
	}
	vals, err := p.redis.HMGet(ctx, onlineKey, userIDs...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(userIDs))
	for i, v := range vals {
		if v != nil {
			out = append(out, userIDs[i])
		}
	}
	return out, nil
}

// Viewers lists the users with the chat open on any gateway, sorted.
func (p *Presence) Viewers(ctx context.Context, chatID string) ([]string, error) {
	users, err := p.redis.HKeys(ctx, ViewersKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(users)
	return users, nil
}
