package chat

import (
	"context"

	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/projector"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// ChatSummary is a chat list row: the chat plus the viewer's unread count.
type ChatSummary struct {
	*model.Chat
	UnreadCount int64 `json:"unreadCount"`
}

type ChatListPage struct {
	Chats   []ChatSummary `json:"chats"`
	Next    string        `json:"next,omitempty"`
	HasMore bool          `json:"hasMore"`
}

// Query serves the read side: chat lists, message pages and read state,
// always from the point of view of one user.
type Query struct {
	store     history.Store
	projector *projector.Projector
}

func NewQuery(store history.Store, proj *projector.Projector) *Query {
	return &Query{store: store, projector: proj}
}

func (q *Query) participantChat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	c, err := q.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, errNotParticipant
	}
	return c, nil
}

func (q *Query) GetChat(ctx context.Context, userID, chatID string) (ChatSummary, error) {
	c, err := q.participantChat(ctx, userID, chatID)
	if err != nil {
		return ChatSummary{}, err
	}
	n, err := q.projector.Unread(ctx, chatID, userID)
	if err != nil {
		return ChatSummary{}, err
	}
	return ChatSummary{Chat: c, UnreadCount: n}, nil
}

// ListChats pages userID's chats newest first.
func (q *Query) ListChats(ctx context.Context, userID, before string, size int) (*ChatListPage, error) {
	page, err := q.store.GetChatsForUser(ctx, userID, before, size)
	if err != nil {
		return nil, err
	}
	return q.summarize(ctx, userID, page)
}

func (q *Query) SearchChats(ctx context.Context, userID, keyword, before string, size int) (*ChatListPage, error) {
	page, err := q.store.SearchChats(ctx, userID, keyword, before, size)
	if err != nil {
		return nil, err
	}
	return q.summarize(ctx, userID, page)
}

func (q *Query) summarize(ctx context.Context, userID string, page *history.ChatPage) (*ChatListPage, error) {
	unread, err := q.projector.UnreadAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &ChatListPage{Chats: make([]ChatSummary, 0, len(page.Chats)), Next: page.Next, HasMore: page.HasMore}
	for _, c := range page.Chats {
		out.Chats = append(out.Chats, ChatSummary{Chat: c, UnreadCount: unread[c.ID]})
	}
	return out, nil
}

// Messages pages a chat's history backwards from before.
func (q *Query) Messages(ctx context.Context, userID, chatID string, before snowflake.ID, size int) (*history.MessagePage, error) {
	if _, err := q.participantChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return q.store.GetMessages(ctx, chatID, before, size)
}

// SeenBy lists who is currently "seeing up to" the message.
func (q *Query) SeenBy(ctx context.Context, userID string, id snowflake.ID) ([]string, error) {
	m, err := q.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := q.participantChat(ctx, userID, m.ChatID)
	if err != nil {
		return nil, err
	}
	return q.projector.SeenBy(ctx, c, m)
}

func (q *Query) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	return q.projector.UnreadAll(ctx, userID)
}
