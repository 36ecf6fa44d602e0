package model

import (
	"time"

	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

type MessageType string

const (
	TypeText          MessageType = "TEXT"
	TypeMedia         MessageType = "MEDIA"
	TypeTextWithMedia MessageType = "TEXT_WITH_MEDIA"
	TypeSystem        MessageType = "SYSTEM"
)

// TypeFor derives the type of a user message from what it carries.
func TypeFor(content, mediaURL string) MessageType {
	switch {
	case content != "" && mediaURL != "":
		return TypeTextWithMedia
	case mediaURL != "":
		return TypeMedia
	default:
		return TypeText
	}
}

// ReadInfo records that a user has read a message.
type ReadInfo struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// ReplySnapshot is the replied-to message as it looked when the reply was
// sent. It does not follow later edits; Deleted is set when the target is
// deleted.
type ReplySnapshot struct {
	MessageID snowflake.ID `json:"messageId"`
	Content   string       `json:"content,omitempty"`
	SenderID  string       `json:"senderId,omitempty"`
	Deleted   bool         `json:"deleted"`
}

type Message struct {
	ID        snowflake.ID   `json:"id"`
	ChatID    string         `json:"chatId"`
	SenderID  string         `json:"senderId,omitempty"` // empty for SYSTEM
	Type      MessageType    `json:"type"`
	Content   string         `json:"content,omitempty"`
	MediaURL  string         `json:"mediaUrl,omitempty"`
	ReplyTo   *ReplySnapshot `json:"replyTo,omitempty"`
	IsEdited  bool           `json:"isEdited"`
	IsDeleted bool           `json:"isDeleted"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	ReadInfo  []ReadInfo     `json:"readInfo,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.ReadInfo != nil {
		out.ReadInfo = append([]ReadInfo(nil), m.ReadInfo...)
	}
	return &out
}

// Tombstone clears the payload of a deleted message; id and position stay.
func (m *Message) Tombstone(at time.Time) {
	m.IsDeleted = true
	m.Content = ""
	m.MediaURL = ""
	m.UpdatedAt = at
}

// ReadBy returns the read entry of userID, if any.
func (m *Message) ReadBy(userID string) (ReadInfo, bool) {
	for _, ri := range m.ReadInfo {
		if ri.UserID == userID {
			return ri, true
		}
	}
	return ReadInfo{}, false
}

// Snapshot builds the reply snapshot of m.
func (m *Message) Snapshot() *ReplySnapshot {
	return &ReplySnapshot{
		MessageID: m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		Deleted:   m.IsDeleted,
	}
}
