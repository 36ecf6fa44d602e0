package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

func TestTypeFor(t *testing.T) {
	assert.Equal(t, TypeText, TypeFor("hi", ""))
	assert.Equal(t, TypeMedia, TypeFor("", "https://cdn/x.png"))
	assert.Equal(t, TypeTextWithMedia, TypeFor("look", "https://cdn/x.png"))
}

func TestTombstoneClearsPayload(t *testing.T) {
	m := &Message{ID: 10, Content: "secret", MediaURL: "u", Type: TypeTextWithMedia}
	at := time.Now()
	m.Tombstone(at)

	assert.True(t, m.IsDeleted)
	assert.Empty(t, m.Content)
	assert.Empty(t, m.MediaURL)
	assert.Equal(t, snowflake.ID(10), m.ID)
	assert.Equal(t, at, m.UpdatedAt)
}

func TestCloneIsDeep(t *testing.T) {
	m := &Message{ReplyTo: &ReplySnapshot{Content: "a"}, ReadInfo: []ReadInfo{{UserID: "u"}}}
	c := m.Clone()
	c.ReplyTo.Content = "b"
	c.ReadInfo[0].UserID = "v"
	assert.Equal(t, "a", m.ReplyTo.Content)
	assert.Equal(t, "u", m.ReadInfo[0].UserID)

	chat := &Chat{Participants: []string{"a", "b"}, LastMessage: &LastMessage{Content: "x"}}
	cc := chat.Clone()
	cc.Participants[0] = "z"
	cc.LastMessage.Content = "y"
	assert.Equal(t, "a", chat.Participants[0])
	assert.Equal(t, "x", chat.LastMessage.Content)
}

func TestChatValidate(t *testing.T) {
	private := &Chat{Participants: []string{"a", "b"}}
	assert.NoError(t, private.Validate())

	private.Admins = []string{"a"}
	assert.Error(t, private.Validate())

	assert.Error(t, (&Chat{Participants: []string{"a", "b", "c"}}).Validate())

	group := &Chat{IsGroupChat: true, Participants: []string{"a", "b", "c"}, Admins: []string{"a"}}
	assert.NoError(t, group.Validate())
	assert.True(t, group.IsAdmin("a"))
	assert.False(t, group.IsAdmin("b"))

	group.Admins = append(group.Admins, "d")
	assert.Error(t, group.Validate())
}

func TestSetLastMessage(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Chat{CreatedAt: created}
	assert.Equal(t, created, c.LastActivity())

	sent := created.Add(time.Hour)
	c.SetLastMessage(&Message{ID: 5, Content: "hi", SenderID: "a", Type: TypeText, CreatedAt: sent})
	assert.True(t, c.IsLastMessage(5))
	assert.Equal(t, sent, c.LastActivity())
	assert.Equal(t, "hi", c.LastMessage.Content)
}

func TestSystemMessageRoundTrip(t *testing.T) {
	content := SystemMessage{
		ActorID:  "a",
		Action:   ActionUpdateChatName,
		Metadata: map[string]string{"newGroupChatName": "crew"},
	}.Content()

	parsed, err := ParseSystemMessage(content)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdateChatName, parsed.Action)
	assert.Equal(t, "crew", parsed.Metadata["newGroupChatName"])
}

func TestEventValidate(t *testing.T) {
	at := time.Now()
	msg := &Message{ID: 1, ChatID: "c1"}
	assert.NoError(t, NewMessageEvent(EventNewMessage, msg, "a", at).Validate())

	bad := NewMessageEvent(EventNewMessage, msg, "a", at)
	bad.Kind = EventChatRead
	assert.Error(t, bad.Validate())

	unknown := NewTypingEvent(EventUserTyping, "c1", "a", at)
	unknown.Kind = "NOPE"
	assert.Error(t, unknown.Validate())

	noChat := NewTypingEvent(EventUserTyping, "", "a", at)
	assert.Error(t, noChat.Validate())

	c := &Chat{ID: "c1", Participants: []string{"a", "b"}}
	created := NewChatEvent(EventNewChat, c, "a", at)
	assert.NoError(t, created.Validate())
	assert.Same(t, c, created.ChatData())

	wrong := NewChatEvent(EventChatUpdated, c, "a", at)
	wrong.Data = msg
	assert.Nil(t, wrong.ChatData())
	assert.Error(t, wrong.Validate())
}

func TestEnvelopeShape(t *testing.T) {
	ev := NewTypingEvent(EventUserTyping, "c1", "a", time.Now())
	ev.Unread = map[string]int64{"b": 3}

	b, err := ev.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"USER_TYPING","chatId":"c1","data":{"chatId":"c1","userId":"a"}}`, string(b))

	b, err = ev.EncodeFor("b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"USER_TYPING","chatId":"c1","data":{"chatId":"c1","userId":"a"},"unreadCount":3}`, string(b))
}

func TestEventJSONRoundTrip(t *testing.T) {
	at := time.Date(2025, 2, 2, 10, 0, 0, 0, time.UTC)
	events := []*Event{
		NewMessageEvent(EventNewMessage, &Message{ID: 99, ChatID: "c1", Content: "hi", Type: TypeText, CreatedAt: at}, "a", at),
		NewReadEvent(&ReadReceipt{ChatID: "c1", UserID: "b", MessageID: 99, ReadAt: at, Covered: []snowflake.ID{99}}),
		NewTypingEvent(EventTypingStopped, "c1", "a", at),
		NewChatEvent(EventNewChat, &Chat{ID: "c1", Participants: []string{"a", "b"}, CreatedAt: at}, "a", at),
	}
	events[0].Audience = []string{"a", "b"}
	events[0].Unread = map[string]int64{"b": 1}

	for _, ev := range events {
		b, err := json.Marshal(ev)
		require.NoError(t, err)

		var back Event
		require.NoError(t, json.Unmarshal(b, &back), string(b))
		assert.Equal(t, ev.Kind, back.Kind)
		assert.Equal(t, ev.ChatID, back.ChatID)
		assert.Equal(t, ev.Data, back.Data)
		assert.Equal(t, ev.Unread, back.Unread)
		assert.NoError(t, back.Validate())
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	var ev Event
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"WHAT","chatId":"c","data":{}}`), &ev))
}
