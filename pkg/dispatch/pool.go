package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/mahaj/chat-fanout/pkg/model"
)

const (
	DefaultWorkers    = 8
	DefaultQueueDepth = 1024
)

// Pool runs fan-out on a fixed set of workers. Every event of a chat lands
// on the same worker, so a chat's events are delivered in the order they
// were enqueued while different chats proceed in parallel.
type Pool struct {
	queues  []chan *model.Event
	deliver func(*model.Event)
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

func NewPool(workers, depth int, deliver func(*model.Event), logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	p := &Pool{
		queues:  make([]chan *model.Event, workers),
		deliver: deliver,
		logger:  logger,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *model.Event, depth)
		p.wg.Add(1)
		go p.work(p.queues[i])
	}
	return p
}

func (p *Pool) work(q <-chan *model.Event) {
	defer p.wg.Done()
	for ev := range q {
		p.deliver(ev)
	}
}

// Enqueue hands ev to its chat's worker without blocking. A full queue
// drops the event.
func (p *Pool) Enqueue(ev *model.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	q := p.queues[xxhash.Sum64String(ev.ChatID)%uint64(len(p.queues))]
	select {
	case q <- ev:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("fan-out queue full, event dropped", "kind", ev.Kind, "chat", ev.ChatID)
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Dropped() int64 { return p.dropped.Load() }
