// Package typing tracks who is typing in which chat.
//
// Entries live for a TTL that every MarkTyping refreshes. Expiry is enforced
// twice: reads ignore expired entries, and a per-entry timer removes the
// entry and announces the stop. Each refresh bumps the entry's generation so
// a timer that lost a race with a refresh or a clear does nothing.
package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mahaj/chat-fanout/pkg/model"
)

const (
	DefaultTTL    = 5 * time.Second
	defaultShards = 16
)

// Notifier is told about typing edges: EventUserTyping when a user starts,
// EventTypingStopped exactly once when the entry goes away. It runs with no
// tracker lock held. Edges of one shard, and so of one chat, are delivered
// one at a time in the order they happened.
type Notifier func(kind model.EventKind, chatID, userID string)

type key struct {
	chatID string
	userID string
}

type entry struct {
	expires time.Time
	gen     uint64
	timer   *time.Timer
}

type notice struct {
	kind model.EventKind
	key  key
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
	// Edges recorded under mu, waiting for delivery. Only the goroutine
	// that set draining delivers them.
	pending  []notice
	draining bool
}

type Tracker struct {
	ttl    time.Duration
	shards []shard
	notify Notifier
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Tracker)

func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notify = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		ttl:    DefaultTTL,
		shards: make([]shard, defaultShards),
		now:    time.Now,
		logger: slog.Default(),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[key]*entry)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetNotifier replaces the notifier. Call it before the tracker is used.
func (t *Tracker) SetNotifier(n Notifier) { t.notify = n }

func (t *Tracker) TTL() time.Duration { return t.ttl }

func (t *Tracker) shard(chatID string) *shard {
	return &t.shards[xxhash.Sum64String(chatID)%uint64(len(t.shards))]
}

// MarkTyping records that userID is typing in chatID and reports whether
// this started a new typing period.
func (t *Tracker) MarkTyping(chatID, userID string) bool {
	if chatID == "" || userID == "" {
		return false
	}
	k := key{chatID, userID}
	s := t.shard(chatID)
	defer t.flush(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	e, ok := s.entries[k]
	if ok && now.Before(e.expires) {
		e.gen++
		e.expires = now.Add(t.ttl)
		e.timer.Stop()
		e.timer = t.schedule(k, e.gen)
		return false
	}
	if ok {
		// Expired but its timer has not run yet.
		t.removeLocked(s, k, e)
	}
	e = &entry{expires: now.Add(t.ttl)}
	e.timer = t.schedule(k, e.gen)
	s.entries[k] = e
	s.pending = append(s.pending, notice{model.EventUserTyping, k})
	return true
}

// Clear removes the entry and reports whether one was there. Clearing an
// absent or expired entry is not an error.
func (t *Tracker) Clear(chatID, userID string) bool {
	k := key{chatID, userID}
	s := t.shard(chatID)
	defer t.flush(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return false
	}
	live := t.now().Before(e.expires)
	t.removeLocked(s, k, e)
	return live
}

func (t *Tracker) IsTyping(chatID, userID string) bool {
	s := t.shard(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{chatID, userID}]
	return ok && t.now().Before(e.expires)
}

// Typers lists users currently typing in chatID, sorted.
func (t *Tracker) Typers(chatID string) []string {
	s := t.shard(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := t.now()
	var out []string
	for k, e := range s.entries {
		if k.chatID == chatID && now.Before(e.expires) {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) schedule(k key, gen uint64) *time.Timer {
	return time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
}

func (t *Tracker) expire(k key, gen uint64) {
	s := t.shard(k.chatID)
	defer t.flush(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || e.gen != gen {
		return
	}
	t.logger.Debug("typing expired", "chat", k.chatID, "user", k.userID)
	t.removeLocked(s, k, e)
}

func (t *Tracker) removeLocked(s *shard, k key, e *entry) {
	e.timer.Stop()
	e.gen++
	delete(s.entries, k)
	s.pending = append(s.pending, notice{model.EventTypingStopped, k})
}

// flush delivers the shard's pending edges unless another goroutine is
// already doing so; that goroutine then picks up ours as well.
func (t *Tracker) flush(s *shard) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, n := range batch {
			if t.notify != nil {
				t.notify(n.kind, n.key.chatID, n.key.userID)
			}
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}
