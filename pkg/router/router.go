// Package router keeps chat-topic subscriptions and fans payloads out to
// live connections.
//
// Two address spaces exist: chat topics (chat:{chatId}), joined explicitly by
// a connection that has that chat open, and user queues (user:{userId}),
// which reach every connection of a user. A connection is subscribed to at
// most one chat topic at a time; subscribing elsewhere drops the previous
// topic first.
package router

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/mahaj/chat-fanout/pkg/registry"
)

const defaultShards = 32

var ErrUnknownConnection = errors.New("router: unknown connection")

// ChatTopic and UserQueue render the address of each space.
func ChatTopic(chatID string) string { return "chat:" + chatID }
func UserQueue(userID string) string { return "user:" + userID }

// Observer is told when a user starts or stops viewing a chat. Joined fires
// for the user's first connection on the chat, Left once none remains.
type Observer interface {
	Joined(chatID, userID string)
	Left(chatID, userID string)
}

type chatShard struct {
	mu     sync.RWMutex
	topics map[string]map[registry.ConnID]*registry.Connection
}

type subShard struct {
	mu   sync.Mutex
	subs map[registry.ConnID]string
}

type Stats struct {
	Delivered int64
	Dropped   int64
}

type Router struct {
	registry *registry.Registry
	chats    []chatShard
	subs     []subShard
	observer Observer
	logger   *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

type Option func(*Router)

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New builds a router over reg. Install Drop as the registry's
// OnUnregister hook so closed connections leave their topic.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{
		registry: reg,
		chats:    make([]chatShard, defaultShards),
		subs:     make([]subShard, defaultShards),
		logger:   slog.Default(),
	}
	for i := range r.chats {
		r.chats[i].topics = make(map[string]map[registry.ConnID]*registry.Connection)
		r.subs[i].subs = make(map[registry.ConnID]string)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) chatShard(chatID string) *chatShard {
	return &r.chats[xxhash.Sum64String(chatID)%uint64(len(r.chats))]
}

func (r *Router) subShard(id registry.ConnID) *subShard {
	return &r.subs[xxhash.Sum64String(string(id))%uint64(len(r.subs))]
}

// Subscribe points connID at chatID, leaving its previous topic.
func (r *Router) Subscribe(connID registry.ConnID, chatID string) error {
	if chatID == "" {
		return errors.New("router: empty chat id")
	}
	conn, ok := r.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}

	wasViewing := r.IsViewing(conn.UserID, chatID)

	ss := r.subShard(connID)
	ss.mu.Lock()
	prev, had := ss.subs[connID]
	if had && prev == chatID {
		ss.mu.Unlock()
		return nil
	}
	if had {
		r.removeFromTopic(prev, connID)
	}
	cs := r.chatShard(chatID)
	cs.mu.Lock()
	set, ok := cs.topics[chatID]
	if !ok {
		set = make(map[registry.ConnID]*registry.Connection)
		cs.topics[chatID] = set
	}
	set[connID] = conn
	cs.mu.Unlock()
	ss.subs[connID] = chatID
	ss.mu.Unlock()

	// Lost a race with unregister: do not leave a dead subscriber behind.
	if _, live := r.registry.Get(connID); !live {
		r.Unsubscribe(connID)
		return ErrUnknownConnection
	}

	if had {
		r.notifyLeft(prev, conn.UserID)
	}
	if r.observer != nil && !wasViewing {
		r.observer.Joined(chatID, conn.UserID)
	}
	r.logger.Debug("subscribed", "conn", connID, "topic", ChatTopic(chatID))
	return nil
}

// Unsubscribe drops connID's chat subscription. Once it returns, no payload
// published to that chat reaches the connection.
func (r *Router) Unsubscribe(connID registry.ConnID) {
	ss := r.subShard(connID)
	ss.mu.Lock()
	prev, had := ss.subs[connID]
	if had {
		delete(ss.subs, connID)
		r.removeFromTopic(prev, connID)
	}
	ss.mu.Unlock()

	if !had {
		return
	}
	if conn, ok := r.registry.Get(connID); ok {
		r.notifyLeft(prev, conn.UserID)
	}
}

// Evict unsubscribes every connection of userID that is on chatID, for a
// user who is no longer a participant. It returns how many it moved.
func (r *Router) Evict(chatID, userID string) int {
	n := 0
	for _, c := range r.registry.ConnectionsFor(userID) {
		ss := r.subShard(c.ID)
		ss.mu.Lock()
		sub, had := ss.subs[c.ID]
		if had && sub == chatID {
			delete(ss.subs, c.ID)
			r.removeFromTopic(chatID, c.ID)
			n++
		}
		ss.mu.Unlock()
	}
	if n > 0 {
		r.notifyLeft(chatID, userID)
		r.logger.Debug("evicted", "user", userID, "topic", ChatTopic(chatID), "conns", n)
	}
	return n
}

// Drop is the registry unregister hook.
func (r *Router) Drop(conn *registry.Connection) {
	ss := r.subShard(conn.ID)
	ss.mu.Lock()
	prev, had := ss.subs[conn.ID]
	if had {
		delete(ss.subs, conn.ID)
		r.removeFromTopic(prev, conn.ID)
	}
	ss.mu.Unlock()
	if had {
		r.notifyLeft(prev, conn.UserID)
	}
}

func (r *Router) removeFromTopic(chatID string, connID registry.ConnID) {
	cs := r.chatShard(chatID)
	cs.mu.Lock()
	if set, ok := cs.topics[chatID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(cs.topics, chatID)
		}
	}
	cs.mu.Unlock()
}

func (r *Router) notifyLeft(chatID, userID string) {
	if r.observer == nil || r.IsViewing(userID, chatID) {
		return
	}
	r.observer.Left(chatID, userID)
}

// Subscription returns the chat connID is subscribed to.
func (r *Router) Subscription(connID registry.ConnID) (string, bool) {
	ss := r.subShard(connID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	chatID, ok := ss.subs[connID]
	return chatID, ok
}

// IsViewing reports whether any connection of userID is on chatID.
func (r *Router) IsViewing(userID, chatID string) bool {
	for _, c := range r.registry.ConnectionsFor(userID) {
		if sub, ok := r.Subscription(c.ID); ok && sub == chatID {
			return true
		}
	}
	return false
}

// Subscribers returns the connections currently on chatID.
func (r *Router) Subscribers(chatID string) []registry.ConnID {
	cs := r.chatShard(chatID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	set := cs.topics[chatID]
	out := make([]registry.ConnID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// PublishToChat pushes payload to every subscriber of chatID and returns
// how many accepted it. Nothing is persisted.
func (r *Router) PublishToChat(chatID string, payload []byte) int {
	cs := r.chatShard(chatID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	n := 0
	for _, c := range cs.topics[chatID] {
		n += r.deliver(c, payload)
	}
	return n
}

// PublishToUser pushes payload to every connection of userID regardless of
// chat subscription.
func (r *Router) PublishToUser(userID string, payload []byte) int {
	n := 0
	for _, c := range r.registry.ConnectionsFor(userID) {
		n += r.deliver(c, payload)
	}
	return n
}

func (r *Router) deliver(c *registry.Connection, payload []byte) int {
	if c.Deliver(payload) {
		r.delivered.Add(1)
		return 1
	}
	r.dropped.Add(1)
	r.logger.Debug("delivery dropped", "conn", c.ID, "user", c.UserID)
	return 0
}

func (r *Router) Stats() Stats {
	return Stats{Delivered: r.delivered.Load(), Dropped: r.dropped.Load()}
}
