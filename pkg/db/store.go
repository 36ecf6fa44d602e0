package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/chat-fanout/pkg/apperr"
	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// Store is the ScyllaDB history store. Uniqueness (one private chat per
// pair, one row per message id) and the edit-after-delete guard use
// lightweight transactions; the per-chat lock held by the caller orders
// everything else.
type Store struct {
	session *Session
	logger  *slog.Logger
}

var _ history.Store = (*Store)(nil)

// Message writes that must not race a delete are conditional on the row
// still being live.
const (
	editMessage      = `UPDATE messages SET content = ?, is_edited = true, updated_at = ? WHERE chat_id = ? AND id = ? IF is_deleted = false`
	tombstoneMessage = `UPDATE messages SET is_deleted = true, content = '', media_url = '', updated_at = ? WHERE chat_id = ? AND id = ? IF is_deleted = false`
)

func NewStore(session *Session, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{session: session, logger: logger}
}

func (s *Store) query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.session.Query(stmt, values...).WithContext(ctx)
}

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) error {
	row, err := chatToRow(c)
	if err != nil {
		return err
	}
	if !c.IsGroupChat && len(c.Participants) == 2 {
		pair := privatePair(c.Participants[0], c.Participants[1])
		applied, err := s.query(ctx, `INSERT INTO private_chats (pair, chat_id) VALUES (?, ?) IF NOT EXISTS`,
			pair, c.ID).MapScanCAS(map[string]any{})
		if err != nil {
			return fmt.Errorf("claim private pair: %w", err)
		}
		if !applied {
			return apperr.Conflict("private chat already exists")
		}
	}
	applied, err := s.query(ctx, `INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		row.values()...).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	if !applied {
		return apperr.Conflict("chat already exists")
	}
	return s.index(ctx, c.ID, c.Participants)
}

func (s *Store) index(ctx context.Context, chatID string, users []string) error {
	b := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, u := range users {
		b.Query(`INSERT INTO user_chats (user_id, chat_id) VALUES (?, ?)`, u, chatID)
	}
	if err := s.session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("index chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var row chatRow
	err := s.query(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, chatID).Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, apperr.NotFound("chat not found")
	}
	if err != nil {
		return nil, err
	}
	return row.chat()
}

func (s *Store) UpdateChat(ctx context.Context, c *model.Chat) error {
	old, err := s.GetChat(ctx, c.ID)
	if err != nil {
		return err
	}
	row, err := chatToRow(c)
	if err != nil {
		return err
	}
	if err := s.query(ctx, `INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.values()...).Exec(); err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	for _, p := range old.Participants {
		if !c.HasParticipant(p) {
			if err := s.query(ctx, `DELETE FROM user_chats WHERE user_id = ? AND chat_id = ?`, p, c.ID).Exec(); err != nil {
				return err
			}
		}
	}
	return s.index(ctx, c.ID, c.Participants)
}

func (s *Store) FindPrivateChat(ctx context.Context, a, b string) (*model.Chat, error) {
	var chatID string
	err := s.query(ctx, `SELECT chat_id FROM private_chats WHERE pair = ?`, privatePair(a, b)).Scan(&chatID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, apperr.NotFound("private chat not found")
	}
	if err != nil {
		return nil, err
	}
	return s.GetChat(ctx, chatID)
}

// DeleteChat drops the chat row, its list entries and its message
// partition. Reply index rows of the chat stay; no lookup reaches them
// once the chat is gone.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	iter := s.query(ctx, `SELECT id FROM messages WHERE chat_id = ?`, chatID).PageSize(history.MaxPageSize).Iter()
	b := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	var id int64
	for iter.Scan(&id) {
		b.Query(`DELETE FROM message_chat WHERE id = ?`, id)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("list messages of %s: %w", chatID, err)
	}
	for _, p := range c.Participants {
		b.Query(`DELETE FROM user_chats WHERE user_id = ? AND chat_id = ?`, p, chatID)
	}
	if !c.IsGroupChat && len(c.Participants) == 2 {
		b.Query(`DELETE FROM private_chats WHERE pair = ?`, privatePair(c.Participants[0], c.Participants[1]))
	}
	b.Query(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	b.Query(`DELETE FROM chats WHERE id = ?`, chatID)
	if err := s.session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m *model.Message) error {
	var exists string
	err := s.query(ctx, `SELECT id FROM chats WHERE id = ?`, m.ChatID).Scan(&exists)
	if errors.Is(err, gocql.ErrNotFound) {
		return apperr.NotFound("chat not found")
	}
	if err != nil {
		return err
	}
	applied, err := s.query(ctx, `INSERT INTO message_chat (id, chat_id) VALUES (?, ?) IF NOT EXISTS`,
		int64(m.ID), m.ChatID).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("claim message id: %w", err)
	}
	if !applied {
		return apperr.Conflict("message already exists")
	}
	row := messageToRow(m)
	if err := s.query(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.values()...).Exec(); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if m.ReplyTo != nil {
		if err := s.query(ctx, `INSERT INTO replies (chat_id, reply_to, id) VALUES (?, ?, ?)`,
			m.ChatID, int64(m.ReplyTo.MessageID), int64(m.ID)).Exec(); err != nil {
			return fmt.Errorf("index reply: %w", err)
		}
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error) {
	var chatID string
	err := s.query(ctx, `SELECT chat_id FROM message_chat WHERE id = ?`, int64(id)).Scan(&chatID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, err
	}
	return s.message(ctx, chatID, id)
}

func (s *Store) message(ctx context.Context, chatID string, id snowflake.ID) (*model.Message, error) {
	var row messageRow
	err := s.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, int64(id)).Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, err
	}
	return row.message(), nil
}

func (s *Store) MarkEdited(ctx context.Context, id snowflake.ID, content string, at time.Time) (*model.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, apperr.Conflict("message was deleted")
	}
	// A delete may land between the read and here.
	applied, err := s.query(ctx, editMessage, content, at, m.ChatID, int64(id)).MapScanCAS(map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if !applied {
		return nil, apperr.Conflict("message was deleted")
	}
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = at
	return m, nil
}

func (s *Store) MarkDeleted(ctx context.Context, id snowflake.ID, at time.Time) (*model.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return m, nil
	}
	applied, err := s.query(ctx, tombstoneMessage, at, m.ChatID, int64(id)).MapScanCAS(map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if !applied {
		// Another delete won; its tombstone and reply flags stand.
		return s.message(ctx, m.ChatID, id)
	}
	m.Tombstone(at)

	iter := s.query(ctx, `SELECT id FROM replies WHERE chat_id = ? AND reply_to = ?`, m.ChatID, int64(id)).Iter()
	var replyID int64
	for iter.Scan(&replyID) {
		if err := s.query(ctx,
			`UPDATE messages SET reply_deleted = true, reply_content = '' WHERE chat_id = ? AND id = ?`,
			m.ChatID, replyID).Exec(); err != nil {
			s.logger.Error("flag reply of deleted message", "message", id, "reply", replyID, "err", err)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	return m, nil
}

// AppendReadInfo walks back from upto and stops at the first message the
// reader already read: read state only ever grows as a prefix.
func (s *Store) AppendReadInfo(ctx context.Context, chatID, userID string, upto snowflake.ID, at time.Time) ([]snowflake.ID, error) {
	iter := s.query(ctx, `SELECT id, sender_id, read_info FROM messages WHERE chat_id = ? AND id <= ?`,
		chatID, int64(upto)).PageSize(history.MaxPageSize).Iter()
	var (
		covered  []snowflake.ID
		id       int64
		senderID string
		readInfo map[string]time.Time
	)
	for iter.Scan(&id, &senderID, &readInfo) {
		if senderID == "" || senderID == userID {
			continue
		}
		if _, read := readInfo[userID]; read {
			break
		}
		covered = append(covered, snowflake.ID(id))
		readInfo = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scan unread: %w", err)
	}
	for _, mid := range covered {
		if err := s.query(ctx, `UPDATE messages SET read_info[?] = ? WHERE chat_id = ? AND id = ?`,
			userID, at, chatID, int64(mid)).Exec(); err != nil {
			return nil, fmt.Errorf("mark read: %w", err)
		}
	}
	// Ascending, like the in-memory store.
	for i, j := 0, len(covered)-1; i < j; i, j = i+1, j-1 {
		covered[i], covered[j] = covered[j], covered[i]
	}
	return covered, nil
}

func (s *Store) GetMessages(ctx context.Context, chatID string, before snowflake.ID, size int) (*history.MessagePage, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	size = history.ClampPageSize(size)
	var q *gocql.Query
	if before.IsZero() {
		q = s.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE chat_id = ? LIMIT ?`, chatID, size+1)
	} else {
		q = s.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND id < ? LIMIT ?`,
			chatID, int64(before), size+1)
	}
	iter := q.Iter()
	newestFirst := make([]*model.Message, 0, size+1)
	for {
		var row messageRow
		if !iter.Scan(row.dest()...) {
			break
		}
		newestFirst = append(newestFirst, row.message())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}

	page := &history.MessagePage{}
	if len(newestFirst) > size {
		newestFirst = newestFirst[:size]
		page.HasMore = true
	}
	page.Messages = make([]*model.Message, len(newestFirst))
	for i, m := range newestFirst {
		page.Messages[len(newestFirst)-1-i] = m
	}
	if page.HasMore {
		page.Next = page.Messages[0].ID
	}
	return page, nil
}

func (s *Store) userChats(ctx context.Context, userID string, keep func(*model.Chat) bool) ([]*model.Chat, error) {
	iter := s.query(ctx, `SELECT chat_id FROM user_chats WHERE user_id = ?`, userID).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list chats of %s: %w", userID, err)
	}
	out := make([]*model.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChat(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(c) {
			out = append(out, c)
		}
	}
	history.SortChats(out)
	return out, nil
}

// TODO: keep a per-user activity-ordered table once chat lists outgrow
// one partition read plus a sort.
func (s *Store) GetChatsForUser(ctx context.Context, userID, before string, size int) (*history.ChatPage, error) {
	all, err := s.userChats(ctx, userID, func(*model.Chat) bool { return true })
	if err != nil {
		return nil, err
	}
	return history.PageChats(all, before, size), nil
}

func (s *Store) SearchChats(ctx context.Context, userID, keyword, before string, size int) (*history.ChatPage, error) {
	found, err := s.userChats(ctx, userID, func(c *model.Chat) bool { return history.MatchesKeyword(c, userID, keyword) })
	if err != nil {
		return nil, err
	}
	return history.PageChats(found, before, size), nil
}
