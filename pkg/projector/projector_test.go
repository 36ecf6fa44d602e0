package projector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

var at = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]StateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]StateStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb),
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, p *Projector)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, New(s, nil)) })
	}
}

func msg(id snowflake.ID, chatID, sender string) *model.Message {
	return &model.Message{ID: id, ChatID: chatID, SenderID: sender, Type: model.TypeText, Content: "x", CreatedAt: at}
}

func TestUnreadSkipsSenderAndViewers(t *testing.T) {
	eachStore(t, func(t *testing.T, p *Projector) {
		ctx := context.Background()
		chat := &model.Chat{ID: "g1", IsGroupChat: true, Participants: []string{"a", "b", "c"}}
		viewing := func(u string) bool { return u == "c" }

		counts, err := p.OnNewMessage(ctx, chat, "a", msg(10, "g1", "a"), viewing)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"a": 0, "b": 1, "c": 0}, counts)

		counts, err = p.OnNewMessage(ctx, chat, "a", msg(20, "g1", "a"), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts["b"])
		assert.Equal(t, int64(1), counts["c"])

		all, err := p.UnreadAll(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"g1": 2}, all)
	})
}

func TestReadResetsAndNeverRegresses(t *testing.T) {
	eachStore(t, func(t *testing.T, p *Projector) {
		ctx := context.Background()
		chat := &model.Chat{ID: "p1", Participants: []string{"a", "b"}}
		for _, id := range []snowflake.ID{10, 20, 30} {
			_, err := p.OnNewMessage(ctx, chat, "a", msg(id, "p1", "a"), nil)
			require.NoError(t, err)
		}

		w, moved, err := p.OnRead(ctx, "p1", "b", 30, at)
		require.NoError(t, err)
		assert.True(t, moved)
		assert.Equal(t, snowflake.ID(30), w.MessageID)

		n, err := p.Unread(ctx, "p1", "b")
		require.NoError(t, err)
		assert.Zero(t, n)

		w, moved, err = p.OnRead(ctx, "p1", "b", 10, at.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, moved)
		assert.Equal(t, snowflake.ID(30), w.MessageID)
		assert.True(t, w.ReadAt.Equal(at))

		got, ok, err := p.Watermark(ctx, "p1", "b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, snowflake.ID(30), got.MessageID)

		_, ok, err = p.Watermark(ctx, "p1", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGroupSeenBy(t *testing.T) {
	eachStore(t, func(t *testing.T, p *Projector) {
		ctx := context.Background()
		chat := &model.Chat{ID: "g1", IsGroupChat: true, Participants: []string{"a", "b", "c"}}
		m1 := msg(10, "g1", "a")
		_, err := p.OnNewMessage(ctx, chat, m1.SenderID, m1, nil)
		require.NoError(t, err)

		_, _, err = p.OnRead(ctx, "g1", "b", m1.ID, at)
		require.NoError(t, err)

		seen, err := p.SeenBy(ctx, chat, m1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, seen)
	})
}

func TestSeenBySupersededByLaterActivity(t *testing.T) {
	eachStore(t, func(t *testing.T, p *Projector) {
		ctx := context.Background()
		chat := &model.Chat{ID: "g1", IsGroupChat: true, Participants: []string{"a", "b", "c"}}
		m1, m2 := msg(10, "g1", "a"), msg(20, "g1", "a")
		for _, m := range []*model.Message{m1, m2} {
			_, err := p.OnNewMessage(ctx, chat, m.SenderID, m, nil)
			require.NoError(t, err)
		}
		_, _, err := p.OnRead(ctx, "g1", "b", m1.ID, at)
		require.NoError(t, err)
		_, _, err = p.OnRead(ctx, "g1", "c", m2.ID, at)
		require.NoError(t, err)

		seen, err := p.SeenBy(ctx, chat, m1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, seen)

		// b replies: its marker on m1 no longer shows.
		_, err = p.OnNewMessage(ctx, chat, "b", msg(30, "g1", "b"), nil)
		require.NoError(t, err)
		seen, err = p.SeenBy(ctx, chat, m1)
		require.NoError(t, err)
		assert.Empty(t, seen)

		seen, err = p.SeenBy(ctx, chat, m2)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, seen)
	})
}

func TestRedisWatermarkHandlesLargeIDs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	// Adjacent ids beyond float64 precision.
	lo := snowflake.ID(1<<62 + 1)
	hi := lo + 1
	_, moved, err := s.AdvanceWatermark(ctx, "c", "u", Watermark{MessageID: hi, ReadAt: at})
	require.NoError(t, err)
	assert.True(t, moved)
	w, moved, err := s.AdvanceWatermark(ctx, "c", "u", Watermark{MessageID: lo, ReadAt: at})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, hi, w.MessageID)
}
