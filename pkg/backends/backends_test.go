package backends

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/projector"
)

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), &config.Config{Store: config.BackendMemory, State: config.BackendMemory}, slog.Default())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &history.MemoryStore{}, b.History)
	assert.IsType(t, &projector.MemoryStore{}, b.State)
	assert.Nil(t, b.Redis)
}

func TestOpenRedisState(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), &config.Config{
		Store: config.BackendMemory, State: config.BackendRedis, RedisAddr: mr.Addr(),
	}, slog.Default())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &projector.RedisStore{}, b.State)
	require.NotNil(t, b.Redis)
}

func TestOpenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := Open(context.Background(), &config.Config{
		Store: config.BackendMemory, State: config.BackendRedis, RedisAddr: addr,
	}, slog.Default())
	assert.Error(t, err)
}
