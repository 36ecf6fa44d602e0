package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/chat-fanout/pkg/apperr"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

type chatLog struct {
	mu   sync.RWMutex
	msgs []*model.Message // ascending id
}

func (l *chatLog) find(id snowflake.ID) (int, bool) {
	i := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID >= id })
	return i, i < len(l.msgs) && l.msgs[i].ID == id
}

// MemoryStore keeps history in process. Each chat's messages sit behind
// their own lock; the chat index has one more.
type MemoryStore struct {
	mu        sync.RWMutex
	chats     map[string]*model.Chat
	userChats map[string]map[string]struct{}
	logs      map[string]*chatLog
	msgChat   map[snowflake.ID]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:     make(map[string]*model.Chat),
		userChats: make(map[string]map[string]struct{}),
		logs:      make(map[string]*chatLog),
		msgChat:   make(map[snowflake.ID]string),
	}
}

func (s *MemoryStore) CreateChat(_ context.Context, c *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[c.ID]; ok {
		return apperr.Conflict("chat already exists")
	}
	s.chats[c.ID] = c.Clone()
	s.logs[c.ID] = &chatLog{}
	s.indexLocked(c)
	return nil
}

func (s *MemoryStore) indexLocked(c *model.Chat) {
	for _, p := range c.Participants {
		set, ok := s.userChats[p]
		if !ok {
			set = make(map[string]struct{})
			s.userChats[p] = set
		}
		set[c.ID] = struct{}{}
	}
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, apperr.NotFound("chat not found")
	}
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateChat(_ context.Context, c *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.chats[c.ID]
	if !ok {
		return apperr.NotFound("chat not found")
	}
	for _, p := range old.Participants {
		if !c.HasParticipant(p) {
			delete(s.userChats[p], c.ID)
		}
	}
	s.chats[c.ID] = c.Clone()
	s.indexLocked(c)
	return nil
}

func (s *MemoryStore) FindPrivateChat(_ context.Context, a, b string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.userChats[a] {
		c := s.chats[id]
		if !c.IsGroupChat && c.HasParticipant(b) {
			return c.Clone(), nil
		}
	}
	return nil, apperr.NotFound("private chat not found")
}

func (s *MemoryStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return apperr.NotFound("chat not found")
	}
	for _, p := range c.Participants {
		delete(s.userChats[p], chatID)
	}
	if l := s.logs[chatID]; l != nil {
		l.mu.RLock()
		for _, m := range l.msgs {
			delete(s.msgChat, m.ID)
		}
		l.mu.RUnlock()
	}
	delete(s.logs, chatID)
	delete(s.chats, chatID)
	return nil
}

func (s *MemoryStore) chatLog(chatID string) (*chatLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[chatID]
	if !ok {
		return nil, apperr.NotFound("chat not found")
	}
	return l, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m *model.Message) error {
	l, err := s.chatLog(m.ChatID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	i, dup := l.find(m.ID)
	if dup {
		l.mu.Unlock()
		return apperr.Conflict("message already exists")
	}
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m.Clone()
	l.mu.Unlock()

	s.mu.Lock()
	s.msgChat[m.ID] = m.ChatID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) locate(id snowflake.ID) (*chatLog, error) {
	s.mu.RLock()
	chatID, ok := s.msgChat[id]
	l := s.logs[chatID]
	s.mu.RUnlock()
	if !ok || l == nil {
		return nil, apperr.NotFound("message not found")
	}
	return l, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id snowflake.ID) (*model.Message, error) {
	l, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.find(id)
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	return l.msgs[i].Clone(), nil
}

func (s *MemoryStore) MarkEdited(_ context.Context, id snowflake.ID, content string, at time.Time) (*model.Message, error) {
	l, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.find(id)
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	m := l.msgs[i]
	if m.IsDeleted {
		return nil, apperr.Conflict("message was deleted")
	}
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = at
	return m.Clone(), nil
}

func (s *MemoryStore) MarkDeleted(_ context.Context, id snowflake.ID, at time.Time) (*model.Message, error) {
	l, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.find(id)
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	m := l.msgs[i]
	if !m.IsDeleted {
		m.Tombstone(at)
		for _, r := range l.msgs[i+1:] {
			if r.ReplyTo != nil && r.ReplyTo.MessageID == id {
				r.ReplyTo.Deleted = true
				r.ReplyTo.Content = ""
			}
		}
	}
	return m.Clone(), nil
}

func (s *MemoryStore) AppendReadInfo(_ context.Context, chatID, userID string, upto snowflake.ID, at time.Time) ([]snowflake.ID, error) {
	l, err := s.chatLog(chatID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var covered []snowflake.ID
	for _, m := range l.msgs {
		if m.ID > upto {
			break
		}
		if m.SenderID == "" || m.SenderID == userID {
			continue
		}
		if _, read := m.ReadBy(userID); read {
			continue
		}
		m.ReadInfo = append(m.ReadInfo, model.ReadInfo{UserID: userID, ReadAt: at})
		covered = append(covered, m.ID)
	}
	return covered, nil
}

func (s *MemoryStore) GetMessages(_ context.Context, chatID string, before snowflake.ID, size int) (*MessagePage, error) {
	l, err := s.chatLog(chatID)
	if err != nil {
		return nil, err
	}
	size = ClampPageSize(size)
	l.mu.RLock()
	defer l.mu.RUnlock()
	end := len(l.msgs)
	if !before.IsZero() {
		end, _ = l.find(before)
	}
	start := max(0, end-size)
	page := &MessagePage{Messages: make([]*model.Message, 0, end-start)}
	for _, m := range l.msgs[start:end] {
		page.Messages = append(page.Messages, m.Clone())
	}
	if start > 0 {
		page.HasMore = true
		page.Next = l.msgs[start].ID
	}
	return page, nil
}

func (s *MemoryStore) userChatList(userID string, keep func(*model.Chat) bool) []*model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Chat
	for id := range s.userChats[userID] {
		if c := s.chats[id]; keep(c) {
			out = append(out, c.Clone())
		}
	}
	SortChats(out)
	return out
}

func (s *MemoryStore) GetChatsForUser(_ context.Context, userID, before string, size int) (*ChatPage, error) {
	all := s.userChatList(userID, func(*model.Chat) bool { return true })
	return PageChats(all, before, size), nil
}

func (s *MemoryStore) SearchChats(_ context.Context, userID, keyword, before string, size int) (*ChatPage, error) {
	found := s.userChatList(userID, func(c *model.Chat) bool { return MatchesKeyword(c, userID, keyword) })
	return PageChats(found, before, size), nil
}
