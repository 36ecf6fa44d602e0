package main

import (
	"context"
	"log/slog"

	"github.com/mahaj/chat-fanout/pkg/auth"
	"github.com/mahaj/chat-fanout/pkg/backends"
	"github.com/mahaj/chat-fanout/pkg/chat"
	"github.com/mahaj/chat-fanout/pkg/config"
	"github.com/mahaj/chat-fanout/pkg/dispatch"
	"github.com/mahaj/chat-fanout/pkg/outbox"
	"github.com/mahaj/chat-fanout/pkg/presence"
	"github.com/mahaj/chat-fanout/pkg/projector"
	"github.com/mahaj/chat-fanout/pkg/registry"
	"github.com/mahaj/chat-fanout/pkg/router"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
	"github.com/mahaj/chat-fanout/pkg/typing"
)

// Hub owns the realtime core of one gateway: live connections, their chat
// subscriptions, typing state and the path from a committed change to the
// sockets that must see it.
type Hub struct {
	registry   *registry.Registry
	router     *router.Router
	typing     *typing.Tracker
	dispatcher *dispatch.Dispatcher
	service    *chat.Service
	query      *chat.Query
	presence   *presence.Presence
	relay      *outbox.Kafka
	auth       *auth.Authenticator
	logger     *slog.Logger
}

func NewHub(cfg *config.Config, b *backends.Backends, logger *slog.Logger) (*Hub, error) {
	// In production, node ID should be unique per instance.
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		registry: registry.New(registry.WithQueueSize(cfg.SendBuffer), registry.WithLogger(logger)),
		auth:     auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL),
		logger:   logger,
	}

	routerOpts := []router.Option{router.WithLogger(logger)}
	hooks := registry.Hooks{}
	if b.Redis != nil {
		h.presence = presence.New(b.Redis, presence.WithLogger(logger))
		routerOpts = append(routerOpts, router.WithObserver(h.presence))
		hooks.OnOnline = h.presence.Online
		hooks.OnOffline = h.presence.Offline
	}
	h.router = router.New(h.registry, routerOpts...)
	hooks.OnUnregister = h.router.Drop
	h.registry.SetHooks(hooks)

	proj := projector.New(b.State, logger)
	h.dispatcher = dispatch.New(h.router, proj,
		dispatch.WithWorkers(cfg.FanoutWorkers),
		dispatch.WithQueueDepth(cfg.FanoutDepth),
		dispatch.WithLogger(logger),
	)
	if cfg.Outbox == config.BackendKafka {
		h.relay = outbox.NewKafka(outbox.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, h.dispatcher, logger)
		h.dispatcher.UseOutbox(h.relay)
	}

	h.typing = typing.New(typing.WithTTL(cfg.TypingTTL), typing.WithLogger(logger))
	h.service = chat.NewService(b.History, h.dispatcher, h.typing, node, chat.WithLogger(logger))
	h.query = chat.NewQuery(b.History, proj)
	return h, nil
}

// subscribe points a connection at a chat its user participates in and
// returns the user's unread count there.
func (h *Hub) subscribe(ctx context.Context, c *registry.Connection, chatID string) (int64, error) {
	summary, err := h.query.GetChat(ctx, c.UserID, chatID)
	if err != nil {
		return 0, err
	}
	if err := h.router.Subscribe(c.ID, chatID); err != nil {
		return 0, err
	}
	return summary.UnreadCount, nil
}

// Run relays the Kafka outbox into local fan-out until ctx is done. With
// the in-process outbox there is nothing to relay.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	h.logger.Info("outbox relay started")
	return h.relay.Run(ctx)
}

// Close disconnects every client and drains pending fan-out.
func (h *Hub) Close() error {
	for _, c := range h.registry.Connections() {
		h.registry.Unregister(c.ID)
	}
	return h.dispatcher.Close()
}

type HubStats struct {
	Registry   registry.Stats `json:"registry"`
	Router     router.Stats   `json:"router"`
	Dispatcher dispatch.Stats `json:"dispatcher"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Registry:   h.registry.Stats(),
		Router:     h.router.Stats(),
		Dispatcher: h.dispatcher.Stats(),
	}
}
