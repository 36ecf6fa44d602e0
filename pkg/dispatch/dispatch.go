// Package dispatch is the one way a committed change leaves the core. Emit
// runs the event's projection, then publishes it to the outbox; the fan-out
// pool later pushes it to chat topics and user queues.
//
// Each event kind has one row in the dispatch table naming its projection
// step and its fan-out step.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/outbox"
	"github.com/mahaj/chat-fanout/pkg/projector"
	"github.com/mahaj/chat-fanout/pkg/router"
)

// Router is the slice of the topic router fan-out needs.
type Router interface {
	PublishToChat(chatID string, payload []byte) int
	PublishToUser(userID string, payload []byte) int
	IsViewing(userID, chatID string) bool
	Evict(chatID, userID string) int
}

var _ Router = (*router.Router)(nil)

type route struct {
	project func(ctx context.Context, d *Dispatcher, ev *model.Event) error
	fanout  func(d *Dispatcher, ev *model.Event)
}

var table = map[model.EventKind]route{
	model.EventNewMessage:     {project: projectNewMessage, fanout: fanoutNewMessage},
	model.EventMessageEdited:  {fanout: fanoutMessageChange},
	model.EventMessageDeleted: {fanout: fanoutMessageChange},
	model.EventChatRead:       {project: projectRead, fanout: fanoutRead},
	model.EventUserTyping:     {fanout: fanoutTyping},
	model.EventTypingStopped:  {fanout: fanoutTyping},
	model.EventNewChat:        {fanout: fanoutChat},
	model.EventChatUpdated:    {fanout: fanoutChat},
	model.EventChatDeleted:    {fanout: fanoutChat},
}

type Stats struct {
	Emitted   int64
	Delivered int64
	Dropped   int64
}

type Dispatcher struct {
	router    Router
	projector *projector.Projector
	outbox    outbox.Outbox
	pool      *Pool
	logger    *slog.Logger

	emitted   atomic.Int64
	delivered atomic.Int64
}

type Option func(*config)

type config struct {
	workers int
	depth   int
	logger  *slog.Logger
}

func WithWorkers(n int) Option    { return func(c *config) { c.workers = n } }
func WithQueueDepth(n int) Option { return func(c *config) { c.depth = n } }
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New builds a dispatcher publishing to an in-process outbox. Use
// UseOutbox to switch to another one before events flow.
func New(rt Router, proj *projector.Projector, opts ...Option) *Dispatcher {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Dispatcher{
		router:    rt,
		projector: proj,
		logger:    cfg.logger,
	}
	d.pool = NewPool(cfg.workers, cfg.depth, d.deliver, cfg.logger)
	d.outbox = outbox.NewLocal(d)
	return d
}

func (d *Dispatcher) UseOutbox(ob outbox.Outbox) { d.outbox = ob }

// Emit projects ev and publishes it. The caller holds the chat's lock, so
// a chat's events reach the outbox in commit order. Fan-out failures never
// surface here.
func (d *Dispatcher) Emit(ctx context.Context, ev *model.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	r, ok := table[ev.Kind]
	if !ok {
		return fmt.Errorf("dispatch: no route for %s", ev.Kind)
	}
	if r.project != nil {
		if err := r.project(ctx, d, ev); err != nil {
			return fmt.Errorf("project %s: %w", ev.Kind, err)
		}
	}
	if err := d.outbox.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	d.emitted.Add(1)
	return nil
}

// Enqueue is the outbox sink: it schedules fan-out of ev.
func (d *Dispatcher) Enqueue(ev *model.Event) bool {
	return d.pool.Enqueue(ev)
}

func (d *Dispatcher) deliver(ev *model.Event) {
	r, ok := table[ev.Kind]
	if !ok {
		d.logger.Error("no fan-out route", "kind", ev.Kind, "chat", ev.ChatID)
		return
	}
	r.fanout(d, ev)
	d.delivered.Add(1)
}

// Close drains pending fan-out and closes the outbox.
func (d *Dispatcher) Close() error {
	err := d.outbox.Close()
	d.pool.Close()
	return err
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Emitted:   d.emitted.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.pool.Dropped(),
	}
}

func projectNewMessage(ctx context.Context, d *Dispatcher, ev *model.Event) error {
	if ev.Chat == nil {
		return fmt.Errorf("new message event without chat")
	}
	viewing := func(userID string) bool { return d.router.IsViewing(userID, ev.ChatID) }
	counts, err := d.projector.OnNewMessage(ctx, ev.Chat, ev.ActorID, ev.Message(), viewing)
	if err != nil {
		return err
	}
	ev.Unread = counts
	return nil
}

func projectRead(ctx context.Context, d *Dispatcher, ev *model.Event) error {
	rr := ev.Read()
	w, _, err := d.projector.OnRead(ctx, rr.ChatID, rr.UserID, rr.MessageID, rr.ReadAt)
	if err != nil {
		return err
	}
	rr.MessageID = w.MessageID
	rr.ReadAt = w.ReadAt
	ev.Unread = map[string]int64{rr.UserID: 0}
	return nil
}

func (d *Dispatcher) toChat(ev *model.Event) {
	b, err := ev.Encode()
	if err != nil {
		d.logger.Error("encode event", "kind", ev.Kind, "err", err)
		return
	}
	d.router.PublishToChat(ev.ChatID, b)
}

func (d *Dispatcher) toUser(userID string, ev *model.Event) {
	b, err := ev.EncodeFor(userID)
	if err != nil {
		d.logger.Error("encode event", "kind", ev.Kind, "err", err)
		return
	}
	d.router.PublishToUser(userID, b)
}

func fanoutNewMessage(d *Dispatcher, ev *model.Event) {
	d.toChat(ev)
	for _, u := range ev.Audience {
		d.toUser(u, ev)
	}
}

// Edits and deletes go to the open chat; when the message is the chat's
// preview, chat lists learn about it as CHAT_UPDATED.
func fanoutMessageChange(d *Dispatcher, ev *model.Event) {
	d.toChat(ev)
	if ev.Chat == nil {
		return
	}
	b, err := ev.EncodeAs(model.EventChatUpdated, ev.Chat, nil)
	if err != nil {
		d.logger.Error("encode chat update", "kind", ev.Kind, "err", err)
		return
	}
	for _, u := range ev.Audience {
		d.router.PublishToUser(u, b)
	}
}

func fanoutRead(d *Dispatcher, ev *model.Event) {
	d.toChat(ev)
	d.toUser(ev.ActorID, ev)
}

func fanoutTyping(d *Dispatcher, ev *model.Event) {
	d.toChat(ev)
	for _, u := range ev.Audience {
		if u != ev.ActorID {
			d.toUser(u, ev)
		}
	}
}

// Chat lifecycle events go to user queues. Audience members the change left
// outside the chat, or everyone when it was deleted, lose its topic.
func fanoutChat(d *Dispatcher, ev *model.Event) {
	c := ev.ChatData()
	for _, u := range ev.Audience {
		d.toUser(u, ev)
		if ev.Kind == model.EventChatDeleted || !c.HasParticipant(u) {
			d.router.Evict(ev.ChatID, u)
		}
	}
}
