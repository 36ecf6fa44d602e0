package projector

import (
	"context"
	"maps"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

const memoryShards = 16

type unreadShard struct {
	mu     sync.Mutex
	counts map[string]map[string]int64 // user -> chat -> n
}

type chatShard struct {
	mu    sync.Mutex
	marks map[string]map[string]Watermark    // chat -> user
	sent  map[string]map[string]snowflake.ID // chat -> user
}

// MemoryStore is a process-local StateStore. Counters are sharded by user,
// watermarks and last-sent pointers by chat.
type MemoryStore struct {
	unread []unreadShard
	chats  []chatShard
}

var _ StateStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		unread: make([]unreadShard, memoryShards),
		chats:  make([]chatShard, memoryShards),
	}
	for i := range s.unread {
		s.unread[i].counts = make(map[string]map[string]int64)
		s.chats[i].marks = make(map[string]map[string]Watermark)
		s.chats[i].sent = make(map[string]map[string]snowflake.ID)
	}
	return s
}

func (s *MemoryStore) userShard(userID string) *unreadShard {
	return &s.unread[xxhash.Sum64String(userID)%memoryShards]
}

func (s *MemoryStore) chatShard(chatID string) *chatShard {
	return &s.chats[xxhash.Sum64String(chatID)%memoryShards]
}

func (s *MemoryStore) IncrUnread(_ context.Context, chatID string, userIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(userIDs))
	for _, u := range userIDs {
		sh := s.userShard(u)
		sh.mu.Lock()
		byChat, ok := sh.counts[u]
		if !ok {
			byChat = make(map[string]int64)
			sh.counts[u] = byChat
		}
		byChat[chatID]++
		out[u] = byChat[chatID]
		sh.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) ResetUnread(_ context.Context, chatID, userID string) error {
	sh := s.userShard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if byChat, ok := sh.counts[userID]; ok {
		delete(byChat, chatID)
	}
	return nil
}

func (s *MemoryStore) Unread(_ context.Context, chatID, userID string) (int64, error) {
	sh := s.userShard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.counts[userID][chatID], nil
}

func (s *MemoryStore) UnreadAll(_ context.Context, userID string) (map[string]int64, error) {
	sh := s.userShard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := maps.Clone(sh.counts[userID])
	if out == nil {
		out = map[string]int64{}
	}
	return out, nil
}

func (s *MemoryStore) AdvanceWatermark(_ context.Context, chatID, userID string, w Watermark) (Watermark, bool, error) {
	sh := s.chatShard(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	byUser, ok := sh.marks[chatID]
	if !ok {
		byUser = make(map[string]Watermark)
		sh.marks[chatID] = byUser
	}
	cur, had := byUser[userID]
	if had && w.MessageID <= cur.MessageID {
		return cur, false, nil
	}
	byUser[userID] = w
	return w, true, nil
}

func (s *MemoryStore) Watermarks(_ context.Context, chatID string) (map[string]Watermark, error) {
	sh := s.chatShard(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := maps.Clone(sh.marks[chatID])
	if out == nil {
		out = map[string]Watermark{}
	}
	return out, nil
}

func (s *MemoryStore) AdvanceLastSent(_ context.Context, chatID, userID string, id snowflake.ID) error {
	sh := s.chatShard(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	byUser, ok := sh.sent[chatID]
	if !ok {
		byUser = make(map[string]snowflake.ID)
		sh.sent[chatID] = byUser
	}
	if id > byUser[userID] {
		byUser[userID] = id
	}
	return nil
}

func (s *MemoryStore) LastSent(_ context.Context, chatID string) (map[string]snowflake.ID, error) {
	sh := s.chatShard(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := maps.Clone(sh.sent[chatID])
	if out == nil {
		out = map[string]snowflake.ID{}
	}
	return out, nil
}
