package history

import (
	"sort"

	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

// Timeline is a client's window onto one chat: fetched pages merged with
// live events. Messages are unique by id, so an event that arrives twice,
// or both live and in a page, shows once. A tombstone is never replaced
// by an edit. Not safe for concurrent use.
type Timeline struct {
	chatID string
	msgs   []*model.Message // ascending id
	seen   map[snowflake.ID]struct{}
}

func NewTimeline(chatID string) *Timeline {
	return &Timeline{chatID: chatID, seen: make(map[snowflake.ID]struct{})}
}

// Apply folds a live event into the window and reports whether it changed
// anything.
func (t *Timeline) Apply(ev *model.Event) bool {
	if ev.ChatID != t.chatID {
		return false
	}
	switch ev.Kind {
	case model.EventNewMessage:
		return t.insert(ev.Message())
	case model.EventMessageEdited:
		m := ev.Message()
		cur := t.get(m.ID)
		if cur == nil || cur.IsDeleted {
			return false
		}
		cur.Content = m.Content
		cur.IsEdited = true
		cur.UpdatedAt = m.UpdatedAt
		return true
	case model.EventMessageDeleted:
		m := ev.Message()
		cur := t.get(m.ID)
		if cur == nil || cur.IsDeleted {
			return false
		}
		cur.Tombstone(m.UpdatedAt)
		for _, r := range t.msgs {
			if r.ReplyTo != nil && r.ReplyTo.MessageID == m.ID {
				r.ReplyTo.Deleted = true
				r.ReplyTo.Content = ""
			}
		}
		return true
	case model.EventChatRead:
		rr := ev.Read()
		changed := false
		for _, id := range rr.Covered {
			cur := t.get(id)
			if cur == nil {
				continue
			}
			if _, ok := cur.ReadBy(rr.UserID); ok {
				continue
			}
			cur.ReadInfo = append(cur.ReadInfo, model.ReadInfo{UserID: rr.UserID, ReadAt: rr.ReadAt})
			changed = true
		}
		return changed
	}
	return false
}

// Prepend merges an older page and returns how many messages were new.
func (t *Timeline) Prepend(page *MessagePage) int {
	n := 0
	for _, m := range page.Messages {
		if t.insert(m) {
			n++
		}
	}
	return n
}

func (t *Timeline) insert(m *model.Message) bool {
	if m == nil {
		return false
	}
	if _, dup := t.seen[m.ID]; dup {
		return false
	}
	t.seen[m.ID] = struct{}{}
	i := sort.Search(len(t.msgs), func(i int) bool { return t.msgs[i].ID >= m.ID })
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m.Clone()
	return true
}

func (t *Timeline) get(id snowflake.ID) *model.Message {
	if _, ok := t.seen[id]; !ok {
		return nil
	}
	i := sort.Search(len(t.msgs), func(i int) bool { return t.msgs[i].ID >= id })
	return t.msgs[i]
}

// Messages returns the window oldest first.
func (t *Timeline) Messages() []*model.Message {
	out := make([]*model.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Oldest is the cursor for fetching the page before the window.
func (t *Timeline) Oldest() snowflake.ID {
	if len(t.msgs) == 0 {
		return 0
	}
	return t.msgs[0].ID
}

func (t *Timeline) Len() int { return len(t.msgs) }

func (t *Timeline) ChatID() string { return t.chatID }
