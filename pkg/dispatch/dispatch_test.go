package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/projector"
	"github.com/mahaj/chat-fanout/pkg/registry"
	"github.com/mahaj/chat-fanout/pkg/router"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// nopHandle is a device; it is not zero-size, so every &nopHandle{} is a
// distinct handle.
type nopHandle struct{ _ byte }

func (*nopHandle) Close() error { return nil }

type frame struct {
	Event       model.EventKind `json:"event"`
	ChatID      string          `json:"chatId"`
	Data        json.RawMessage `json:"data"`
	UnreadCount *int64          `json:"unreadCount"`
}

func frames(t *testing.T, c *registry.Connection) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case b := <-c.Send():
			var f frame
			require.NoError(t, json.Unmarshal(b, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

type harness struct {
	reg  *registry.Registry
	rt   *router.Router
	proj *projector.Projector
	d    *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New(registry.WithQueueSize(1024))
	rt := router.New(reg)
	reg.SetHooks(registry.Hooks{OnUnregister: rt.Drop})
	proj := projector.New(projector.NewMemoryStore(), nil)
	return &harness{reg: reg, rt: rt, proj: proj, d: New(rt, proj, WithWorkers(4))}
}

var now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newMessageEvent(chat *model.Chat, id snowflake.ID, sender, content string) *model.Event {
	m := &model.Message{ID: id, ChatID: chat.ID, SenderID: sender, Type: model.TypeText, Content: content, CreatedAt: now}
	chat.SetLastMessage(m)
	ev := model.NewMessageEvent(model.EventNewMessage, m, sender, now)
	ev.Audience = chat.Participants
	ev.Chat = chat.Clone()
	return ev
}

func TestEveryKindHasARoute(t *testing.T) {
	for _, k := range model.EventKinds {
		r, ok := table[k]
		require.True(t, ok, "missing route for %s", k)
		assert.NotNil(t, r.fanout, "missing fan-out for %s", k)
	}
	assert.Len(t, table, len(model.EventKinds))
}

func TestEmitRejectsMismatchedPayload(t *testing.T) {
	h := newHarness(t)
	ev := model.NewTypingEvent(model.EventUserTyping, "c1", "a", now)
	ev.Kind = model.EventNewMessage
	assert.Error(t, h.d.Emit(context.Background(), ev))
	assert.Zero(t, h.d.Stats().Emitted)
}

func TestNewMessageReachesTopicAndUserQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chat := &model.Chat{ID: "c1", Participants: []string{"a", "b"}, CreatedAt: now}
	a, _ := h.reg.Register("a", &nopHandle{})
	b, _ := h.reg.Register("b", &nopHandle{})
	require.NoError(t, h.rt.Subscribe(a.ID, "c1"))

	require.NoError(t, h.d.Emit(ctx, newMessageEvent(chat, 10, "a", "hi")))
	require.NoError(t, h.d.Close())

	fa := frames(t, a)
	require.Len(t, fa, 2, "topic copy and own user queue")
	assert.Equal(t, model.EventNewMessage, fa[0].Event)
	assert.Nil(t, fa[0].UnreadCount)
	require.NotNil(t, fa[1].UnreadCount)
	assert.Zero(t, *fa[1].UnreadCount)

	fb := frames(t, b)
	require.Len(t, fb, 1)
	assert.Equal(t, model.EventNewMessage, fb[0].Event)
	require.NotNil(t, fb[0].UnreadCount)
	assert.Equal(t, int64(1), *fb[0].UnreadCount)
}

func TestViewerIsNotCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chat := &model.Chat{ID: "g1", IsGroupChat: true, Participants: []string{"a", "b", "c"}, CreatedAt: now}
	b, _ := h.reg.Register("b", &nopHandle{})
	require.NoError(t, h.rt.Subscribe(b.ID, "g1"))

	require.NoError(t, h.d.Emit(ctx, newMessageEvent(chat, 10, "a", "hi")))

	n, err := h.proj.Unread(ctx, "g1", "b")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = h.proj.Unread(ctx, "g1", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, h.d.Close())
}

func TestPerChatOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chats := []*model.Chat{
		{ID: "x", Participants: []string{"a", "b"}, CreatedAt: now},
		{ID: "y", Participants: []string{"a", "c"}, CreatedAt: now},
	}
	x, _ := h.reg.Register("b", &nopHandle{})
	y, _ := h.reg.Register("c", &nopHandle{})
	require.NoError(t, h.rt.Subscribe(x.ID, "x"))
	require.NoError(t, h.rt.Subscribe(y.ID, "y"))

	var wg sync.WaitGroup
	for _, chat := range chats {
		wg.Add(1)
		go func(chat *model.Chat) {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				assert.NoError(t, h.d.Emit(ctx, newMessageEvent(chat, snowflake.ID(i), "a", "m")))
			}
		}(chat)
	}
	wg.Wait()
	require.NoError(t, h.d.Close())

	for _, c := range []*registry.Connection{x, y} {
		var last snowflake.ID
		n := 0
		for _, f := range frames(t, c) {
			if f.UnreadCount != nil {
				continue // user-queue copy
			}
			var m model.Message
			require.NoError(t, json.Unmarshal(f.Data, &m))
			assert.Greater(t, m.ID, last)
			last = m.ID
			n++
		}
		assert.Equal(t, 100, n)
	}
}

func TestReadGoesToTopicAndReaderOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.reg.Register("a", &nopHandle{})
	bPhone, _ := h.reg.Register("b", &nopHandle{})
	bLaptop, _ := h.reg.Register("b", &nopHandle{})
	require.NoError(t, h.rt.Subscribe(a.ID, "c1"))

	rr := &model.ReadReceipt{ChatID: "c1", UserID: "b", MessageID: 10, ReadAt: now, Covered: []snowflake.ID{10}}
	require.NoError(t, h.d.Emit(ctx, model.NewReadEvent(rr)))
	require.NoError(t, h.d.Close())

	fa := frames(t, a)
	require.Len(t, fa, 1)
	assert.Equal(t, model.EventChatRead, fa[0].Event)

	for _, c := range []*registry.Connection{bPhone, bLaptop} {
		fb := frames(t, c)
		require.Len(t, fb, 1)
		require.NotNil(t, fb[0].UnreadCount)
		assert.Zero(t, *fb[0].UnreadCount)
	}
}

func TestStaleReadKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	defer h.d.Close()

	first := &model.ReadReceipt{ChatID: "c1", UserID: "b", MessageID: 20, ReadAt: now}
	require.NoError(t, h.d.Emit(ctx, model.NewReadEvent(first)))
	stale := &model.ReadReceipt{ChatID: "c1", UserID: "b", MessageID: 10, ReadAt: now.Add(time.Second)}
	require.NoError(t, h.d.Emit(ctx, model.NewReadEvent(stale)))

	assert.Equal(t, snowflake.ID(20), stale.MessageID)
	assert.True(t, stale.ReadAt.Equal(now))
}

func TestTypingSkipsTypist(t *testing.T) {
	h := newHarness(t)
	a, _ := h.reg.Register("a", &nopHandle{})
	b, _ := h.reg.Register("b", &nopHandle{})

	ev := model.NewTypingEvent(model.EventUserTyping, "c1", "a", now)
	ev.Audience = []string{"a", "b"}
	require.NoError(t, h.d.Emit(context.Background(), ev))
	require.NoError(t, h.d.Close())

	assert.Empty(t, frames(t, a))
	fb := frames(t, b)
	require.Len(t, fb, 1)
	assert.Equal(t, model.EventUserTyping, fb[0].Event)
}

func TestEditOfLastMessageUpdatesChatLists(t *testing.T) {
	h := newHarness(t)
	b, _ := h.reg.Register("b", &nopHandle{})
	chat := &model.Chat{ID: "c1", Participants: []string{"a", "b"}, CreatedAt: now}

	m := &model.Message{ID: 10, ChatID: "c1", SenderID: "a", Type: model.TypeText, Content: "hello", IsEdited: true, CreatedAt: now}
	chat.SetLastMessage(m)
	ev := model.NewMessageEvent(model.EventMessageEdited, m, "a", now)
	ev.Audience = chat.Participants
	ev.Chat = chat
	require.NoError(t, h.d.Emit(context.Background(), ev))
	require.NoError(t, h.d.Close())

	fb := frames(t, b)
	require.Len(t, fb, 1)
	assert.Equal(t, model.EventChatUpdated, fb[0].Event)
	var got model.Chat
	require.NoError(t, json.Unmarshal(fb[0].Data, &got))
	assert.Equal(t, "hello", got.LastMessage.Content)
}

func TestRemovedUserLosesChatTopic(t *testing.T) {
	h := newHarness(t)
	b, _ := h.reg.Register("b", &nopHandle{})
	require.NoError(t, h.rt.Subscribe(b.ID, "g1"))
	chat := &model.Chat{ID: "g1", IsGroupChat: true, Participants: []string{"a", "c"}, Admins: []string{"a"}, CreatedAt: now}

	ev := model.NewChatEvent(model.EventChatUpdated, chat, "a", now)
	ev.Audience = []string{"a", "b", "c"}
	require.NoError(t, h.d.Emit(context.Background(), ev))
	require.NoError(t, h.d.Close())

	fb := frames(t, b)
	require.Len(t, fb, 1)
	assert.Equal(t, model.EventChatUpdated, fb[0].Event)
	assert.False(t, h.rt.IsViewing("b", "g1"))
}

func TestChatDeletedEvictsEveryone(t *testing.T) {
	h := newHarness(t)
	a, _ := h.reg.Register("a", &nopHandle{})
	require.NoError(t, h.rt.Subscribe(a.ID, "c1"))
	chat := &model.Chat{ID: "c1", Participants: []string{"a", "b"}, CreatedAt: now}

	require.NoError(t, h.d.Emit(context.Background(), model.NewChatEvent(model.EventChatDeleted, chat, "b", now)))
	require.NoError(t, h.d.Close())

	fa := frames(t, a)
	require.Len(t, fa, 1)
	assert.Equal(t, model.EventChatDeleted, fa[0].Event)
	assert.Empty(t, h.rt.Subscribers("c1"))
}

func TestPoolDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	p := NewPool(1, 1, func(*model.Event) {
		started <- struct{}{}
		<-release
	}, slog.Default())

	ev := model.NewTypingEvent(model.EventUserTyping, "c1", "a", now)
	require.True(t, p.Enqueue(ev))
	<-started // worker busy with the first event
	require.True(t, p.Enqueue(ev))
	assert.False(t, p.Enqueue(ev))
	assert.Equal(t, int64(1), p.Dropped())

	close(release)
	p.Close()
	assert.False(t, p.Enqueue(ev))
}
