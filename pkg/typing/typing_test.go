package typing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/model"
)

type edge struct {
	kind   model.EventKind
	chatID string
	userID string
	at     time.Time
}

type recorder struct {
	mu    sync.Mutex
	edges []edge
}

func (r *recorder) notify(kind model.EventKind, chatID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, edge{kind, chatID, userID, time.Now()})
}

func (r *recorder) snapshot() []edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]edge(nil), r.edges...)
}

func kinds(edges []edge) []model.EventKind {
	out := make([]model.EventKind, len(edges))
	for i, e := range edges {
		out[i] = e.kind
	}
	return out
}

func TestStartEdgeOnlyOnce(t *testing.T) {
	rec := &recorder{}
	tr := New(WithTTL(time.Minute), WithNotifier(rec.notify))

	assert.True(t, tr.MarkTyping("c1", "a"))
	assert.False(t, tr.MarkTyping("c1", "a"))
	assert.False(t, tr.MarkTyping("c1", "a"))
	assert.True(t, tr.MarkTyping("c1", "b"))

	assert.Equal(t, []model.EventKind{model.EventUserTyping, model.EventUserTyping}, kinds(rec.snapshot()))
	assert.Equal(t, []string{"a", "b"}, tr.Typers("c1"))
	assert.Empty(t, tr.Typers("c2"))
}

func TestClearEmitsStopOnce(t *testing.T) {
	rec := &recorder{}
	tr := New(WithTTL(time.Minute), WithNotifier(rec.notify))

	tr.MarkTyping("c1", "a")
	assert.True(t, tr.Clear("c1", "a"))
	assert.False(t, tr.Clear("c1", "a"))
	assert.False(t, tr.Clear("c9", "nobody"))
	assert.False(t, tr.IsTyping("c1", "a"))

	assert.Equal(t, []model.EventKind{model.EventUserTyping, model.EventTypingStopped}, kinds(rec.snapshot()))
}

func TestExpiresWithinWindow(t *testing.T) {
	const ttl = 100 * time.Millisecond
	rec := &recorder{}
	tr := New(WithTTL(ttl), WithNotifier(rec.notify))

	start := time.Now()
	tr.MarkTyping("c1", "a")
	assert.True(t, tr.IsTyping("c1", "a"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	stop := rec.snapshot()[1]
	assert.Equal(t, model.EventTypingStopped, stop.kind)
	elapsed := stop.at.Sub(start)
	assert.GreaterOrEqual(t, elapsed, ttl)
	assert.Less(t, elapsed, ttl*6/5+50*time.Millisecond)
	assert.False(t, tr.IsTyping("c1", "a"))
}

func TestRefreshExtendsTTL(t *testing.T) {
	const ttl = 80 * time.Millisecond
	rec := &recorder{}
	tr := New(WithTTL(ttl), WithNotifier(rec.notify))

	tr.MarkTyping("c1", "a")
	time.Sleep(ttl / 2)
	tr.MarkTyping("c1", "a")
	time.Sleep(ttl * 3 / 4)

	// The first timer would have fired by now; the refresh superseded it.
	assert.True(t, tr.IsTyping("c1", "a"))
	assert.Len(t, rec.snapshot(), 1)

	require.Eventually(t, func() bool { return !tr.IsTyping("c1", "a") && len(rec.snapshot()) == 2 },
		time.Second, 5*time.Millisecond)
}

func TestLazyExpiryOnRead(t *testing.T) {
	tr := New(WithTTL(time.Minute))
	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.MarkTyping("c1", "a")

	now = now.Add(2 * time.Minute)
	assert.False(t, tr.IsTyping("c1", "a"))
	assert.Empty(t, tr.Typers("c1"))
	assert.False(t, tr.Clear("c1", "a"), "clearing expired state is a no-op success")
}

func TestRestartAfterLazyExpiry(t *testing.T) {
	rec := &recorder{}
	tr := New(WithTTL(time.Minute), WithNotifier(rec.notify))
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.MarkTyping("c1", "a")
	now = now.Add(2 * time.Minute)
	assert.True(t, tr.MarkTyping("c1", "a"))

	assert.Equal(t, []model.EventKind{
		model.EventUserTyping, model.EventTypingStopped, model.EventUserTyping,
	}, kinds(rec.snapshot()))
}

func TestRejectsEmptyIDs(t *testing.T) {
	tr := New()
	assert.False(t, tr.MarkTyping("", "a"))
	assert.False(t, tr.MarkTyping("c1", ""))
	assert.Equal(t, DefaultTTL, tr.TTL())
}

func TestSlowNotifierDoesNotBlockShard(t *testing.T) {
	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	notify := func(kind model.EventKind, chatID, userID string) {
		rec.notify(kind, chatID, userID)
		if chatID == "slow" && kind == model.EventUserTyping {
			once.Do(func() { close(entered) })
			<-release
		}
	}
	tr := New(WithTTL(time.Minute), WithNotifier(notify))

	var other string
	for i := 0; other == ""; i++ {
		if c := fmt.Sprintf("c%d", i); tr.shard(c) == tr.shard("slow") {
			other = c
		}
	}

	go tr.MarkTyping("slow", "a")
	<-entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.True(t, tr.MarkTyping(other, "b"))
		assert.True(t, tr.IsTyping(other, "b"))
		assert.Equal(t, []string{"a"}, tr.Typers("slow"))
		assert.True(t, tr.Clear(other, "b"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(release)
		t.Fatal("shard stayed locked while the notifier ran")
	}

	// The blocked notifier still delivers the queued edges, in order.
	assert.Len(t, rec.snapshot(), 1)
	close(release)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, []model.EventKind{
		model.EventUserTyping, model.EventUserTyping, model.EventTypingStopped,
	}, kinds(got))
	assert.Equal(t, []string{"slow", other, other}, []string{got[0].chatID, got[1].chatID, got[2].chatID})
}
