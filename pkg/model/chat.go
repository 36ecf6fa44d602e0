package model

import (
	"errors"
	"slices"
	"time"

	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// LastMessage is the denormalized preview of a chat's newest message.
type LastMessage struct {
	ID       snowflake.ID `json:"id"`
	Content  string       `json:"content,omitempty"`
	SenderID string       `json:"senderId,omitempty"`
	Type     MessageType  `json:"type"`
	MediaURL string       `json:"mediaUrl,omitempty"`
	Deleted  bool         `json:"deleted"`
	Time     time.Time    `json:"time"`
}

type Chat struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	ImageURL     string       `json:"imageUrl,omitempty"`
	IsGroupChat  bool         `json:"isGroupChat"`
	Participants []string     `json:"participants"`
	Admins       []string     `json:"admins,omitempty"`
	CreatedBy    string       `json:"createdBy"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
}

var (
	errPrivateParticipants = errors.New("private chat must have exactly 2 participants")
	errPrivateAdmins       = errors.New("private chat cannot have admins")
	errAdminNotParticipant = errors.New("admins must be participants")
)

// Validate checks the structural invariants of a chat.
func (c *Chat) Validate() error {
	if !c.IsGroupChat {
		if len(c.Participants) != 2 {
			return errPrivateParticipants
		}
		if len(c.Admins) > 0 {
			return errPrivateAdmins
		}
		return nil
	}
	for _, a := range c.Admins {
		if !slices.Contains(c.Participants, a) {
			return errAdminNotParticipant
		}
	}
	return nil
}

func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

func (c *Chat) IsAdmin(userID string) bool {
	return c.IsGroupChat && slices.Contains(c.Admins, userID)
}

// LastActivity orders chat lists: the last message time, else creation.
func (c *Chat) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Time
	}
	return c.CreatedAt
}

// SetLastMessage points the preview at m.
func (c *Chat) SetLastMessage(m *Message) {
	c.LastMessage = &LastMessage{
		ID:       m.ID,
		Content:  m.Content,
		SenderID: m.SenderID,
		Type:     m.Type,
		MediaURL: m.MediaURL,
		Deleted:  m.IsDeleted,
		Time:     m.CreatedAt,
	}
	c.UpdatedAt = m.CreatedAt
}

// IsLastMessage reports whether id is the chat's current preview.
func (c *Chat) IsLastMessage(id snowflake.ID) bool {
	return c.LastMessage != nil && c.LastMessage.ID == id
}

func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.Admins = slices.Clone(c.Admins)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}
