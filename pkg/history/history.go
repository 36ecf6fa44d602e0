// Package history is the contract between the realtime core and durable
// chat history, plus an in-memory implementation and the client-side
// timeline that merges live events into fetched pages.
package history

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store persists chats and messages. Lookups of missing records return an
// apperr NOT_FOUND error; edits of tombstoned messages return CONFLICT.
type Store interface {
	CreateChat(ctx context.Context, c *model.Chat) error
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	UpdateChat(ctx context.Context, c *model.Chat) error
	// FindPrivateChat returns the private chat between a and b.
	FindPrivateChat(ctx context.Context, a, b string) (*model.Chat, error)
	// DeleteChat removes the chat with its messages; afterwards neither is
	// found and the chat leaves every participant's list.
	DeleteChat(ctx context.Context, chatID string) error

	AppendMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error)
	MarkEdited(ctx context.Context, id snowflake.ID, content string, at time.Time) (*model.Message, error)
	// MarkDeleted tombstones the message and flags the reply snapshot of
	// every message replying to it.
	MarkDeleted(ctx context.Context, id snowflake.ID, at time.Time) (*model.Message, error)
	// AppendReadInfo records userID as a reader of every message up to and
	// including upto that userID did not send and has not read yet. It
	// returns the ids it covered.
	AppendReadInfo(ctx context.Context, chatID, userID string, upto snowflake.ID, at time.Time) ([]snowflake.ID, error)

	// GetMessages walks back from before (exclusive; zero means newest) and
	// returns the page oldest first.
	GetMessages(ctx context.Context, chatID string, before snowflake.ID, size int) (*MessagePage, error)
	// GetChatsForUser lists chats by last activity, newest first, starting
	// after the chat id before.
	GetChatsForUser(ctx context.Context, userID, before string, size int) (*ChatPage, error)
	SearchChats(ctx context.Context, userID, keyword, before string, size int) (*ChatPage, error)
}

type MessagePage struct {
	Messages []*model.Message `json:"messages"`
	// Next is the cursor for the following (older) page.
	Next    snowflake.ID `json:"next,omitempty"`
	HasMore bool         `json:"hasMore"`
}

type ChatPage struct {
	Chats   []*model.Chat `json:"chats"`
	Next    string        `json:"next,omitempty"`
	HasMore bool          `json:"hasMore"`
}

// ClampPageSize bounds a requested page size.
func ClampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// SortChats orders chats by last activity, newest first, ties by id.
func SortChats(chats []*model.Chat) {
	slices.SortStableFunc(chats, func(a, b *model.Chat) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// PageChats cuts an ordered chat list at the cursor.
func PageChats(chats []*model.Chat, before string, size int) *ChatPage {
	size = ClampPageSize(size)
	start := 0
	if before != "" {
		start = len(chats)
		for i, c := range chats {
			if c.ID == before {
				start = i + 1
				break
			}
		}
	}
	end := min(start+size, len(chats))
	page := &ChatPage{Chats: chats[start:end]}
	if page.Chats == nil {
		page.Chats = []*model.Chat{}
	}
	if end < len(chats) {
		page.HasMore = true
		page.Next = chats[end-1].ID
	}
	return page
}

// MatchesKeyword reports whether a chat is found by a search for keyword:
// its name, or for private chats the other participant's id.
func MatchesKeyword(c *model.Chat, userID, keyword string) bool {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return false
	}
	if strings.Contains(strings.ToLower(c.Name), kw) {
		return true
	}
	if c.IsGroupChat {
		return false
	}
	for _, p := range c.Participants {
		if p != userID && strings.Contains(strings.ToLower(p), kw) {
			return true
		}
	}
	return false
}
