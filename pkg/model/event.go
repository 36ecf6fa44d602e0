package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

type EventKind string

const (
	EventNewMessage     EventKind = "NEW_MESSAGE"
	EventMessageEdited  EventKind = "MESSAGE_EDITED"
	EventMessageDeleted EventKind = "MESSAGE_DELETED"
	EventChatRead       EventKind = "CHAT_READ"
	EventUserTyping     EventKind = "USER_TYPING"
	EventTypingStopped  EventKind = "TYPING_STOPPED"
	EventNewChat        EventKind = "NEW_CHAT"
	EventChatUpdated    EventKind = "CHAT_UPDATED"
	EventChatDeleted    EventKind = "CHAT_DELETED"
)

// EventKinds lists every kind; dispatch tables are checked against it.
var EventKinds = []EventKind{
	EventNewMessage,
	EventMessageEdited,
	EventMessageDeleted,
	EventChatRead,
	EventUserTyping,
	EventTypingStopped,
	EventNewChat,
	EventChatUpdated,
	EventChatDeleted,
}

// Payload is the closed set of event bodies: *Message, *Chat, *ReadReceipt
// and *Typing.
type Payload interface {
	payload()
}

func (*Message) payload()     {}
func (*Chat) payload()        {}
func (*ReadReceipt) payload() {}
func (*Typing) payload()      {}

// ReadReceipt is the body of CHAT_READ.
type ReadReceipt struct {
	ChatID    string         `json:"chatId"`
	UserID    string         `json:"userId"`
	MessageID snowflake.ID   `json:"messageId"` // watermark
	ReadAt    time.Time      `json:"readAt"`
	Covered   []snowflake.ID `json:"covered,omitempty"`
}

// Typing is the body of USER_TYPING and TYPING_STOPPED.
type Typing struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// Event is the canonical record every state change announces.
type Event struct {
	Kind      EventKind
	ChatID    string
	ActorID   string
	Timestamp time.Time
	Data      Payload

	// Audience is the participant set at commit time; user queues are
	// addressed from it.
	Audience []string

	// Chat is the chat after the write when the write changed what chat
	// lists show (new last message, edited or deleted last message).
	Chat *Chat

	// Unread holds per-recipient counters filled by the projection step.
	Unread map[string]int64
}

func newEvent(kind EventKind, chatID, actorID string, at time.Time, data Payload) *Event {
	return &Event{Kind: kind, ChatID: chatID, ActorID: actorID, Timestamp: at, Data: data}
}

func NewMessageEvent(kind EventKind, m *Message, actorID string, at time.Time) *Event {
	return newEvent(kind, m.ChatID, actorID, at, m)
}

func NewChatEvent(kind EventKind, c *Chat, actorID string, at time.Time) *Event {
	ev := newEvent(kind, c.ID, actorID, at, c)
	ev.Audience = c.Participants
	return ev
}

func NewReadEvent(r *ReadReceipt) *Event {
	return newEvent(EventChatRead, r.ChatID, r.UserID, r.ReadAt, r)
}

func NewTypingEvent(kind EventKind, chatID, userID string, at time.Time) *Event {
	return newEvent(kind, chatID, userID, at, &Typing{ChatID: chatID, UserID: userID})
}

func (e *Event) Message() *Message {
	m, _ := e.Data.(*Message)
	return m
}

func (e *Event) ChatData() *Chat {
	c, _ := e.Data.(*Chat)
	return c
}

func (e *Event) Read() *ReadReceipt {
	r, _ := e.Data.(*ReadReceipt)
	return r
}

func (e *Event) Typing() *Typing {
	t, _ := e.Data.(*Typing)
	return t
}

// Validate checks that the payload matches the kind.
func (e *Event) Validate() error {
	if e.ChatID == "" {
		return fmt.Errorf("event %s: missing chat id", e.Kind)
	}
	ok := false
	switch e.Kind {
	case EventNewMessage, EventMessageEdited, EventMessageDeleted:
		ok = e.Message() != nil
	case EventChatRead:
		ok = e.Read() != nil
	case EventUserTyping, EventTypingStopped:
		ok = e.Typing() != nil
	case EventNewChat, EventChatUpdated, EventChatDeleted:
		ok = e.ChatData() != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("event %s: payload %T does not match kind", e.Kind, e.Data)
	}
	return nil
}

// Envelope is the wire form pushed to clients.
type Envelope struct {
	Event       EventKind `json:"event"`
	ChatID      string    `json:"chatId,omitempty"`
	Data        any       `json:"data"`
	UnreadCount *int64    `json:"unreadCount,omitempty"`
}

// Encode renders the envelope for chat-topic subscribers.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(Envelope{Event: e.Kind, ChatID: e.ChatID, Data: e.Data})
}

// EncodeAs renders the event under another kind and body, used for user
// queue notices derived from a chat event.
func (e *Event) EncodeAs(kind EventKind, data Payload, unread *int64) ([]byte, error) {
	return json.Marshal(Envelope{Event: kind, ChatID: e.ChatID, Data: data, UnreadCount: unread})
}

// EncodeFor renders the envelope for one user's queue, with that user's
// unread counter when the projection produced one.
func (e *Event) EncodeFor(userID string) ([]byte, error) {
	var unread *int64
	if n, ok := e.Unread[userID]; ok {
		unread = &n
	}
	return e.EncodeAs(e.Kind, e.Data, unread)
}

type eventJSON struct {
	Kind      EventKind        `json:"kind"`
	ChatID    string           `json:"chatId"`
	ActorID   string           `json:"actorId,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
	Audience  []string         `json:"audience,omitempty"`
	Chat      *Chat            `json:"chat,omitempty"`
	Unread    map[string]int64 `json:"unread,omitempty"`
}

// MarshalJSON is the full internal form used by the outbox log.
func (e *Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Kind:      e.Kind,
		ChatID:    e.ChatID,
		ActorID:   e.ActorID,
		Timestamp: e.Timestamp,
		Data:      data,
		Audience:  e.Audience,
		Chat:      e.Chat,
		Unread:    e.Unread,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var data Payload
	switch raw.Kind {
	case EventNewMessage, EventMessageEdited, EventMessageDeleted:
		data = &Message{}
	case EventChatRead:
		data = &ReadReceipt{}
	case EventUserTyping, EventTypingStopped:
		data = &Typing{}
	case EventNewChat, EventChatUpdated, EventChatDeleted:
		data = &Chat{}
	default:
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	if err := json.Unmarshal(raw.Data, data); err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Kind, err)
	}
	*e = Event{
		Kind:      raw.Kind,
		ChatID:    raw.ChatID,
		ActorID:   raw.ActorID,
		Timestamp: raw.Timestamp,
		Data:      data,
		Audience:  raw.Audience,
		Chat:      raw.Chat,
		Unread:    raw.Unread,
	}
	return nil
}
