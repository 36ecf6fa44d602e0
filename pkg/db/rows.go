package db

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

const chatColumns = `id, name, image_url, is_group, participants, admins, created_by, created_at, updated_at, last_message`

const messageColumns = `chat_id, id, sender_id, type, content, media_url, reply_id, reply_content, reply_sender, reply_deleted, is_edited, is_deleted, created_at, updated_at, read_info`

// privatePair keys the private chat between two users regardless of order.
func privatePair(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

type chatRow struct {
	id, name, imageURL   string
	isGroup              bool
	participants, admins []string
	createdBy            string
	createdAt, updatedAt time.Time
	lastMessage          string
}

func (r *chatRow) dest() []any {
	return []any{&r.id, &r.name, &r.imageURL, &r.isGroup, &r.participants, &r.admins,
		&r.createdBy, &r.createdAt, &r.updatedAt, &r.lastMessage}
}

func chatToRow(c *model.Chat) (chatRow, error) {
	r := chatRow{
		id: c.ID, name: c.Name, imageURL: c.ImageURL, isGroup: c.IsGroupChat,
		participants: c.Participants, admins: c.Admins, createdBy: c.CreatedBy,
		createdAt: c.CreatedAt, updatedAt: c.UpdatedAt,
	}
	if c.LastMessage != nil {
		b, err := json.Marshal(c.LastMessage)
		if err != nil {
			return chatRow{}, err
		}
		r.lastMessage = string(b)
	}
	return r, nil
}

func (r *chatRow) values() []any {
	return []any{r.id, r.name, r.imageURL, r.isGroup, r.participants, r.admins,
		r.createdBy, r.createdAt, r.updatedAt, r.lastMessage}
}

func (r *chatRow) chat() (*model.Chat, error) {
	c := &model.Chat{
		ID: r.id, Name: r.name, ImageURL: r.imageURL, IsGroupChat: r.isGroup,
		Participants: r.participants, Admins: r.admins, CreatedBy: r.createdBy,
		CreatedAt: r.createdAt.UTC(), UpdatedAt: r.updatedAt.UTC(),
	}
	if r.lastMessage != "" {
		var lm model.LastMessage
		if err := json.Unmarshal([]byte(r.lastMessage), &lm); err != nil {
			return nil, err
		}
		c.LastMessage = &lm
	}
	return c, nil
}

type messageRow struct {
	chatID       string
	id           int64
	senderID     string
	typ          string
	content      string
	mediaURL     string
	replyID      int64
	replyContent string
	replySender  string
	replyDeleted bool
	isEdited     bool
	isDeleted    bool
	createdAt    time.Time
	updatedAt    time.Time
	readInfo     map[string]time.Time
}

func (r *messageRow) dest() []any {
	return []any{&r.chatID, &r.id, &r.senderID, &r.typ, &r.content, &r.mediaURL,
		&r.replyID, &r.replyContent, &r.replySender, &r.replyDeleted,
		&r.isEdited, &r.isDeleted, &r.createdAt, &r.updatedAt, &r.readInfo}
}

func messageToRow(m *model.Message) messageRow {
	r := messageRow{
		chatID: m.ChatID, id: int64(m.ID), senderID: m.SenderID, typ: string(m.Type),
		content: m.Content, mediaURL: m.MediaURL, isEdited: m.IsEdited, isDeleted: m.IsDeleted,
		createdAt: m.CreatedAt, updatedAt: m.UpdatedAt,
	}
	if m.ReplyTo != nil {
		r.replyID = int64(m.ReplyTo.MessageID)
		r.replyContent = m.ReplyTo.Content
		r.replySender = m.ReplyTo.SenderID
		r.replyDeleted = m.ReplyTo.Deleted
	}
	if len(m.ReadInfo) > 0 {
		r.readInfo = make(map[string]time.Time, len(m.ReadInfo))
		for _, ri := range m.ReadInfo {
			r.readInfo[ri.UserID] = ri.ReadAt
		}
	}
	return r
}

func (r *messageRow) values() []any {
	return []any{r.chatID, r.id, r.senderID, r.typ, r.content, r.mediaURL,
		r.replyID, r.replyContent, r.replySender, r.replyDeleted,
		r.isEdited, r.isDeleted, r.createdAt, r.updatedAt, r.readInfo}
}

func (r *messageRow) message() *model.Message {
	m := &model.Message{
		ID: snowflake.ID(r.id), ChatID: r.chatID, SenderID: r.senderID,
		Type: model.MessageType(r.typ), Content: r.content, MediaURL: r.mediaURL,
		IsEdited: r.isEdited, IsDeleted: r.isDeleted,
		CreatedAt: r.createdAt.UTC(), UpdatedAt: r.updatedAt.UTC(),
	}
	if r.replyID != 0 {
		m.ReplyTo = &model.ReplySnapshot{
			MessageID: snowflake.ID(r.replyID),
			Content:   r.replyContent,
			SenderID:  r.replySender,
			Deleted:   r.replyDeleted,
		}
	}
	for u, at := range r.readInfo {
		m.ReadInfo = append(m.ReadInfo, model.ReadInfo{UserID: u, ReadAt: at.UTC()})
	}
	slices.SortFunc(m.ReadInfo, func(a, b model.ReadInfo) int {
		if c := a.ReadAt.Compare(b.ReadAt); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return m
}
