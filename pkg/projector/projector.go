// Package projector maintains read-side state derived from chat events:
// per-user unread counters, per-user read watermarks, and the last message
// each participant sent. "Seen by" is computed from these on demand.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// Watermark is the newest message a user has acknowledged in a chat.
type Watermark struct {
	MessageID snowflake.ID `json:"messageId"`
	ReadAt    time.Time    `json:"readAt"`
}

// StateStore holds projection state. Advancing a watermark or last-sent
// pointer never moves it backwards.
type StateStore interface {
	IncrUnread(ctx context.Context, chatID string, userIDs []string) (map[string]int64, error)
	ResetUnread(ctx context.Context, chatID, userID string) error
	Unread(ctx context.Context, chatID, userID string) (int64, error)
	UnreadAll(ctx context.Context, userID string) (map[string]int64, error)

	// AdvanceWatermark moves the watermark to w if w is newer and returns
	// the resulting watermark and whether it moved.
	AdvanceWatermark(ctx context.Context, chatID, userID string, w Watermark) (Watermark, bool, error)
	Watermarks(ctx context.Context, chatID string) (map[string]Watermark, error)

	AdvanceLastSent(ctx context.Context, chatID, userID string, id snowflake.ID) error
	LastSent(ctx context.Context, chatID string) (map[string]snowflake.ID, error)
}

type Projector struct {
	store  StateStore
	logger *slog.Logger
}

func New(store StateStore, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: store, logger: logger}
}

// OnNewMessage bumps the unread counter of every participant except the
// actor and anyone viewing the chat, and returns the resulting counter of
// every participant. The actor is the sender, or for system messages the
// user whose action produced it.
func (p *Projector) OnNewMessage(ctx context.Context, chat *model.Chat, actorID string, msg *model.Message, viewing func(userID string) bool) (map[string]int64, error) {
	if msg.SenderID != "" {
		if err := p.store.AdvanceLastSent(ctx, chat.ID, msg.SenderID, msg.ID); err != nil {
			return nil, fmt.Errorf("advance last sent: %w", err)
		}
	}

	var bump, keep []string
	for _, u := range chat.Participants {
		if u == actorID || (viewing != nil && viewing(u)) {
			keep = append(keep, u)
		} else {
			bump = append(bump, u)
		}
	}

	counts, err := p.store.IncrUnread(ctx, chat.ID, bump)
	if err != nil {
		return nil, fmt.Errorf("increment unread: %w", err)
	}
	if counts == nil {
		counts = make(map[string]int64, len(chat.Participants))
	}
	for _, u := range keep {
		n, err := p.store.Unread(ctx, chat.ID, u)
		if err != nil {
			return nil, fmt.Errorf("read unread: %w", err)
		}
		counts[u] = n
	}
	return counts, nil
}

// OnRead zeroes userID's counter and advances the watermark to upto. The
// watermark never regresses; the returned bool reports whether it moved.
func (p *Projector) OnRead(ctx context.Context, chatID, userID string, upto snowflake.ID, at time.Time) (Watermark, bool, error) {
	if err := p.store.ResetUnread(ctx, chatID, userID); err != nil {
		return Watermark{}, false, fmt.Errorf("reset unread: %w", err)
	}
	w, moved, err := p.store.AdvanceWatermark(ctx, chatID, userID, Watermark{MessageID: upto, ReadAt: at})
	if err != nil {
		return Watermark{}, false, fmt.Errorf("advance watermark: %w", err)
	}
	if !moved {
		p.logger.Debug("stale read ignored", "chat", chatID, "user", userID, "upto", upto, "current", w.MessageID)
	}
	return w, moved, nil
}

func (p *Projector) Unread(ctx context.Context, chatID, userID string) (int64, error) {
	return p.store.Unread(ctx, chatID, userID)
}

func (p *Projector) UnreadAll(ctx context.Context, userID string) (map[string]int64, error) {
	return p.store.UnreadAll(ctx, userID)
}

func (p *Projector) Watermark(ctx context.Context, chatID, userID string) (Watermark, bool, error) {
	all, err := p.store.Watermarks(ctx, chatID)
	if err != nil {
		return Watermark{}, false, err
	}
	w, ok := all[userID]
	return w, ok, nil
}

// SeenBy returns the participants whose watermark sits exactly on msg and
// who have not sent anything after it, in participant order.
func (p *Projector) SeenBy(ctx context.Context, chat *model.Chat, msg *model.Message) ([]string, error) {
	marks, err := p.store.Watermarks(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	sent, err := p.store.LastSent(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("load last sent: %w", err)
	}
	out := []string{}
	for _, u := range chat.Participants {
		if u == msg.SenderID {
			continue
		}
		if w, ok := marks[u]; !ok || w.MessageID != msg.ID {
			continue
		}
		if sent[u] > msg.ID {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
