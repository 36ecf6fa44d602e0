package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/registry"
	"github.com/mahaj/chat-fanout/pkg/router"
)

var _ router.Observer = (*Presence)(nil)

func newPresence(t *testing.T) (*Presence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestOnlineIsReferenceCounted(t *testing.T) {
	p, _ := newPresence(t)
	ctx := context.Background()

	p.Online("a")
	p.Online("a") // second gateway
	p.Offline("a")
	on, err := p.IsOnline(ctx, "a")
	require.NoError(t, err)
	assert.True(t, on)

	p.Offline("a")
	on, err = p.IsOnline(ctx, "a")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestOnlineAmongKeepsOrder(t *testing.T) {
	p, _ := newPresence(t)
	p.Online("c")
	p.Online("a")
	got, err := p.OnlineAmong(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestViewersHashPerChat(t *testing.T) {
	p, mr := newPresence(t)
	p.Joined("c1", "b")
	p.Joined("c1", "a")
	assert.True(t, mr.Exists("channel:c1:users"))

	got, err := p.Viewers(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	p.Left("c1", "a")
	p.Left("c1", "b")
	assert.False(t, mr.Exists("channel:c1:users"))
}

// nopHandle is a device; it is not zero-size, so every &nopHandle{} is a
// distinct handle.
type nopHandle struct{ _ byte }

func (*nopHandle) Close() error { return nil }

func TestWiredToRegistryAndRouter(t *testing.T) {
	p, _ := newPresence(t)
	ctx := context.Background()
	reg := registry.New()
	rt := router.New(reg, router.WithObserver(p))
	reg.SetHooks(registry.Hooks{OnOnline: p.Online, OnOffline: p.Offline, OnUnregister: rt.Drop})

	c, err := reg.Register("a", &nopHandle{})
	require.NoError(t, err)
	require.NoError(t, rt.Subscribe(c.ID, "c1"))

	on, err := p.IsOnline(ctx, "a")
	require.NoError(t, err)
	assert.True(t, on)
	viewers, err := p.Viewers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, viewers)

	reg.Unregister(c.ID)
	viewers, err = p.Viewers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, viewers)
	on, err = p.IsOnline(ctx, "a")
	require.NoError(t, err)
	assert.False(t, on)
}
