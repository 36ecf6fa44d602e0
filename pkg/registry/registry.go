// Package registry tracks live client connections keyed by user identity.
//
// A user may hold several connections at once (one per device or tab). Each
// connection owns a bounded outbound queue; delivery never blocks and a
// connection whose queue overflows is closed, so one slow client cannot
// stall fan-out to anybody else. Nothing is buffered past a disconnect:
// a reconnecting client gets a fresh connection and re-fetches history.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	defaultShards    = 32
	DefaultQueueSize = 256
)

// ConnID identifies one live connection.
type ConnID string

// Handle is the transport behind a connection, e.g. a websocket client.
// Registering the same handle twice yields the same connection, so handles
// must be comparable (pointers in practice).
type Handle interface {
	Close() error
}

// Connection is a registered transport and its outbound queue.
type Connection struct {
	ID     ConnID
	UserID string

	handle Handle
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool

	overflowed atomic.Bool
	onOverflow func(*Connection)
}

// Send is the queue the transport's writer drains. It is closed after the
// connection is unregistered.
func (c *Connection) Send() <-chan []byte { return c.send }

// Done is closed when the connection is unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Handle() Handle { return c.handle }

// Deliver queues payload without blocking. A full queue closes the
// connection and reports false.
func (c *Connection) Deliver(payload []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	select {
	case c.send <- payload:
		c.mu.RUnlock()
		return true
	default:
	}
	c.mu.RUnlock()
	// Callers may hold router locks; tear down off this goroutine, once.
	if c.onOverflow != nil && c.overflowed.CompareAndSwap(false, true) {
		go c.onOverflow(c)
	}
	return false
}

func (c *Connection) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		close(c.done)
		c.mu.Unlock()
	})
}

// Hooks observe the first connection and the last disconnection of a user.
type Hooks struct {
	OnOnline  func(userID string)
	OnOffline func(userID string)
	// OnUnregister runs for every removed connection before its queue is
	// closed; the router uses it to drop subscriptions.
	OnUnregister func(*Connection)
}

// handleKey scopes handle dedup to one user.
type handleKey struct {
	userID string
	handle Handle
}

type userShard struct {
	mu       sync.RWMutex
	users    map[string]map[ConnID]*Connection
	byHandle map[handleKey]*Connection
}

type connShard struct {
	mu    sync.RWMutex
	conns map[ConnID]*Connection
}

type Stats struct {
	Registered   int64
	Unregistered int64
	Overflows    int64
}

// Registry owns every live connection in the process.
type Registry struct {
	users     []userShard
	conns     []connShard
	queueSize int
	hooks     Hooks
	logger    *slog.Logger

	registered   atomic.Int64
	unregistered atomic.Int64
	overflows    atomic.Int64
}

type Option func(*Registry)

func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		users:     make([]userShard, defaultShards),
		conns:     make([]connShard, defaultShards),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for i := range r.users {
		r.users[i].users = make(map[string]map[ConnID]*Connection)
		r.users[i].byHandle = make(map[handleKey]*Connection)
		r.conns[i].conns = make(map[ConnID]*Connection)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetHooks replaces the hooks. Call it before connections are registered.
func (r *Registry) SetHooks(h Hooks) { r.hooks = h }

func (r *Registry) userShard(userID string) *userShard {
	return &r.users[xxhash.Sum64String(userID)%uint64(len(r.users))]
}

func (r *Registry) connShard(id ConnID) *connShard {
	return &r.conns[xxhash.Sum64String(string(id))%uint64(len(r.conns))]
}

// Register adds a connection for userID. Registering a handle already
// registered for the same user returns its existing connection.
func (r *Registry) Register(userID string, h Handle) (*Connection, error) {
	if userID == "" {
		return nil, errors.New("registry: empty user id")
	}
	if h == nil {
		return nil, errors.New("registry: nil handle")
	}

	us := r.userShard(userID)
	us.mu.Lock()
	if existing, ok := us.byHandle[handleKey{userID, h}]; ok {
		us.mu.Unlock()
		return existing, nil
	}
	c := &Connection{
		ID:         ConnID(uuid.NewString()),
		UserID:     userID,
		handle:     h,
		send:       make(chan []byte, r.queueSize),
		done:       make(chan struct{}),
		onOverflow: r.overflow,
	}
	us.byHandle[handleKey{userID, h}] = c
	set, ok := us.users[userID]
	if !ok {
		set = make(map[ConnID]*Connection)
		us.users[userID] = set
	}
	set[c.ID] = c
	first := len(set) == 1

	// Indexed by id before the user shard unlocks so Get never misses a
	// connection that ConnectionsFor already returned.
	cs := r.connShard(c.ID)
	cs.mu.Lock()
	cs.conns[c.ID] = c
	cs.mu.Unlock()
	us.mu.Unlock()

	r.registered.Add(1)
	r.logger.Debug("connection registered", "conn", c.ID, "user", userID)
	if first && r.hooks.OnOnline != nil {
		r.hooks.OnOnline(userID)
	}
	return c, nil
}

// Unregister removes a connection and closes its queue. Unknown ids are a
// no-op.
func (r *Registry) Unregister(id ConnID) {
	cs := r.connShard(id)
	cs.mu.Lock()
	c, ok := cs.conns[id]
	if ok {
		delete(cs.conns, id)
	}
	cs.mu.Unlock()
	if !ok {
		return
	}

	us := r.userShard(c.UserID)
	us.mu.Lock()
	k := handleKey{c.UserID, c.handle}
	if us.byHandle[k] == c {
		delete(us.byHandle, k)
	}
	last := false
	if set, ok := us.users[c.UserID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(us.users, c.UserID)
			last = true
		}
	}
	us.mu.Unlock()

	if r.hooks.OnUnregister != nil {
		r.hooks.OnUnregister(c)
	}
	c.shutdown()
	r.unregistered.Add(1)
	r.logger.Debug("connection unregistered", "conn", id, "user", c.UserID)

	if last && r.hooks.OnOffline != nil {
		r.hooks.OnOffline(c.UserID)
	}
}

func (r *Registry) overflow(c *Connection) {
	r.overflows.Add(1)
	r.logger.Warn("outbound queue full, dropping connection", "conn", c.ID, "user", c.UserID)
	r.Unregister(c.ID)
	if err := c.handle.Close(); err != nil {
		r.logger.Debug("close overflowed transport", "conn", c.ID, "err", err)
	}
}

// Get returns a live connection by id.
func (r *Registry) Get(id ConnID) (*Connection, bool) {
	cs := r.connShard(id)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.conns[id]
	return c, ok
}

// ConnectionsFor returns a snapshot of userID's live connections.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.users[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Connections returns a snapshot of every live connection.
func (r *Registry) Connections() []*Connection {
	var out []*Connection
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.RLock()
		for _, c := range cs.conns {
			out = append(out, c)
		}
		cs.mu.RUnlock()
	}
	return out
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID]) > 0
}

func (r *Registry) Stats() Stats {
	return Stats{
		Registered:   r.registered.Load(),
		Unregistered: r.unregistered.Load(),
		Overflows:    r.overflows.Load(),
	}
}
