package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/apperr"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedChat(t *testing.T, s *MemoryStore, id string, participants ...string) *model.Chat {
	t.Helper()
	c := &model.Chat{ID: id, Participants: participants, IsGroupChat: len(participants) > 2, CreatedAt: base}
	require.NoError(t, s.CreateChat(context.Background(), c))
	return c
}

func seedMessages(t *testing.T, s *MemoryStore, chatID string, n int, senders ...string) []*model.Message {
	t.Helper()
	var out []*model.Message
	for i := 1; i <= n; i++ {
		m := &model.Message{
			ID:        snowflake.ID(i * 10),
			ChatID:    chatID,
			SenderID:  senders[(i-1)%len(senders)],
			Type:      model.TypeText,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendMessage(context.Background(), m))
		out = append(out, m)
	}
	return out
}

func ids(msgs []*model.Message) []snowflake.ID {
	out := make([]snowflake.ID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestGetMessagesPagesBackwardOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChat(t, s, "c1", "a", "b")
	seedMessages(t, s, "c1", 5, "a", "b")

	page, err := s.GetMessages(ctx, "c1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{40, 50}, ids(page.Messages))
	assert.True(t, page.HasMore)
	assert.Equal(t, snowflake.ID(40), page.Next)

	page, err = s.GetMessages(ctx, "c1", page.Next, 2)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{20, 30}, ids(page.Messages))

	page, err = s.GetMessages(ctx, "c1", page.Next, 2)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{10}, ids(page.Messages))
	assert.False(t, page.HasMore)

	_, err = s.GetMessages(ctx, "missing", 0, 2)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAppendDuplicateConflicts(t *testing.T) {
	s := NewMemoryStore()
	seedChat(t, s, "c1", "a", "b")
	msgs := seedMessages(t, s, "c1", 1, "a")
	assert.ErrorIs(t, s.AppendMessage(context.Background(), msgs[0]), apperr.ErrConflict)
	assert.ErrorIs(t, s.AppendMessage(context.Background(), &model.Message{ID: 1, ChatID: "nope"}), apperr.ErrNotFound)
}

func TestEditAfterDeleteConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChat(t, s, "c1", "a", "b")
	seedMessages(t, s, "c1", 1, "a")

	edited, err := s.MarkEdited(ctx, 10, "fixed", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "fixed", edited.Content)

	deleted, err := s.MarkDeleted(ctx, 10, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)

	_, err = s.MarkEdited(ctx, 10, "again", base.Add(3*time.Minute))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := s.GetMessage(ctx, 10)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Content)

	_, err = s.GetMessage(ctx, 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteFlagsReplies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChat(t, s, "c1", "a", "b")
	orig := seedMessages(t, s, "c1", 1, "a")[0]
	reply := &model.Message{ID: 20, ChatID: "c1", SenderID: "b", Type: model.TypeText, Content: "re", ReplyTo: orig.Snapshot()}
	require.NoError(t, s.AppendMessage(ctx, reply))

	_, err := s.MarkDeleted(ctx, orig.ID, base)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, got.ReplyTo)
	assert.True(t, got.ReplyTo.Deleted)
	assert.Empty(t, got.ReplyTo.Content)
}

func TestAppendReadInfoCoversOthersOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChat(t, s, "c1", "a", "b")
	seedMessages(t, s, "c1", 4, "a", "b") // 10:a 20:b 30:a 40:b

	covered, err := s.AppendReadInfo(ctx, "c1", "b", 30, base)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{10, 30}, covered)

	covered, err = s.AppendReadInfo(ctx, "c1", "b", 40, base)
	require.NoError(t, err)
	assert.Empty(t, covered)

	m, _ := s.GetMessage(ctx, 10)
	assert.Len(t, m.ReadInfo, 1)
}

func TestChatListOrderAndCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, id := range []string{"old", "mid", "new"} {
		c := &model.Chat{ID: id, Name: id, IsGroupChat: true, Participants: []string{"a", "b", "c"}, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.CreateChat(ctx, c))
	}
	// A message makes "old" the most recent.
	old, _ := s.GetChat(ctx, "old")
	old.SetLastMessage(&model.Message{ID: 1, CreatedAt: base.Add(5 * time.Hour)})
	require.NoError(t, s.UpdateChat(ctx, old))

	page, err := s.GetChatsForUser(ctx, "a", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Chats, 2)
	assert.Equal(t, "old", page.Chats[0].ID)
	assert.Equal(t, "new", page.Chats[1].ID)
	assert.True(t, page.HasMore)

	page, err = s.GetChatsForUser(ctx, "a", page.Next, 2)
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, "mid", page.Chats[0].ID)
	assert.False(t, page.HasMore)

	page, err = s.GetChatsForUser(ctx, "zed", "", 2)
	require.NoError(t, err)
	assert.Empty(t, page.Chats)
}

func TestFindPrivateAndSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChat(t, s, "p1", "alice", "bob")
	require.NoError(t, s.CreateChat(ctx, &model.Chat{ID: "g1", Name: "Hiking Crew", IsGroupChat: true, Participants: []string{"alice", "bob", "carol"}, CreatedAt: base}))

	c, err := s.FindPrivateChat(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "p1", c.ID)
	_, err = s.FindPrivateChat(ctx, "alice", "carol")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	page, err := s.SearchChats(ctx, "alice", "hiking", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, "g1", page.Chats[0].ID)

	page, err = s.SearchChats(ctx, "alice", "BO", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, "p1", page.Chats[0].ID)

	page, err = s.SearchChats(ctx, "alice", "  ", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Chats)
}

func TestDeleteChatForgetsEverything(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChat(t, s, "p1", "alice", "bob")
	seedChat(t, s, "g1", "alice", "bob", "carol")
	msgs := seedMessages(t, s, "p1", 3, "alice", "bob")

	require.NoError(t, s.DeleteChat(ctx, "p1"))
	_, err := s.GetChat(ctx, "p1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetMessage(ctx, msgs[0].ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetMessages(ctx, "p1", 0, 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.FindPrivateChat(ctx, "alice", "bob")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	page, err := s.GetChatsForUser(ctx, "bob", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, "g1", page.Chats[0].ID)

	assert.ErrorIs(t, s.DeleteChat(ctx, "p1"), apperr.ErrNotFound)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, MaxPageSize, ClampPageSize(1000))
	assert.Equal(t, 7, ClampPageSize(7))
}

func TestTimelineDedupAndMerge(t *testing.T) {
	tl := NewTimeline("c1")
	m := func(id snowflake.ID) *model.Message {
		return &model.Message{ID: id, ChatID: "c1", SenderID: "a", Type: model.TypeText, Content: id.String()}
	}

	assert.True(t, tl.Apply(model.NewMessageEvent(model.EventNewMessage, m(30), "a", base)))
	assert.False(t, tl.Apply(model.NewMessageEvent(model.EventNewMessage, m(30), "a", base)), "redelivery is a no-op")
	assert.False(t, tl.Apply(model.NewMessageEvent(model.EventNewMessage, &model.Message{ID: 31, ChatID: "other"}, "a", base)))

	n := tl.Prepend(&MessagePage{Messages: []*model.Message{m(10), m(20), m(30)}})
	assert.Equal(t, 2, n)
	assert.Equal(t, []snowflake.ID{10, 20, 30}, ids(tl.Messages()))
	assert.Equal(t, snowflake.ID(10), tl.Oldest())
	assert.Equal(t, 3, tl.Len())
}

func TestTimelineTombstoneWins(t *testing.T) {
	tl := NewTimeline("c1")
	orig := &model.Message{ID: 10, ChatID: "c1", SenderID: "a", Type: model.TypeText, Content: "hi"}
	reply := &model.Message{ID: 20, ChatID: "c1", SenderID: "b", Type: model.TypeText, Content: "re", ReplyTo: orig.Snapshot()}
	tl.Prepend(&MessagePage{Messages: []*model.Message{orig, reply}})

	del := orig.Clone()
	del.Tombstone(base)
	assert.True(t, tl.Apply(model.NewMessageEvent(model.EventMessageDeleted, del, "a", base)))

	edit := orig.Clone()
	edit.Content = "late edit"
	assert.False(t, tl.Apply(model.NewMessageEvent(model.EventMessageEdited, edit, "a", base)))

	msgs := tl.Messages()
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)
	assert.True(t, msgs[1].ReplyTo.Deleted)
}

func TestTimelineReadReceipt(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Prepend(&MessagePage{Messages: []*model.Message{{ID: 10, ChatID: "c1", SenderID: "a"}}})
	rr := &model.ReadReceipt{ChatID: "c1", UserID: "b", MessageID: 10, ReadAt: base, Covered: []snowflake.ID{10, 99}}

	assert.True(t, tl.Apply(model.NewReadEvent(rr)))
	assert.False(t, tl.Apply(model.NewReadEvent(rr)))
	_, ok := tl.Messages()[0].ReadBy("b")
	assert.True(t, ok)
}
