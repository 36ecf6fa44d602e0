// Package chat is the single ingress for state changes. Every mutating
// operation validates, persists through the history store while holding
// the chat's lock, and then emits exactly one canonical event per change.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mahaj/chat-fanout/pkg/apperr"
	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
	"github.com/mahaj/chat-fanout/pkg/typing"
)

const (
	MinParticipants = 2
	MaxParticipants = 100

	lockStripes   = 256
	typingTimeout = 2 * time.Second
)

var errNotParticipant = apperr.Forbidden("not a participant of this chat")

// Emitter publishes committed events.
type Emitter interface {
	Emit(ctx context.Context, ev *model.Event) error
}

type Service struct {
	store   history.Store
	emitter Emitter
	typing  *typing.Tracker
	ids     *snowflake.Node
	locks   [lockStripes]sync.Mutex
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the ingress. It installs itself as the typing tracker's
// notifier so typing edges are emitted like any other event.
func NewService(store history.Store, emitter Emitter, tracker *typing.Tracker, ids *snowflake.Node, opts ...Option) *Service {
	s := &Service{
		store:   store,
		emitter: emitter,
		typing:  tracker,
		ids:     ids,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	tracker.SetNotifier(s.onTyping)
	return s
}

func (s *Service) lock(key string) func() {
	mu := &s.locks[xxhash.Sum64String(key)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) chatFor(ctx context.Context, chatID, actorID string) (*model.Chat, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(actorID) {
		return nil, errNotParticipant
	}
	return c, nil
}

type CreateChatRequest struct {
	Participants []string `json:"participants"`
	Name         string   `json:"name,omitempty"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	IsGroupChat  bool     `json:"isGroupChat"`
}

func (r CreateChatRequest) validate(actorID string) error {
	n := len(r.Participants)
	if n < MinParticipants || n > MaxParticipants {
		return apperr.Validation("a chat needs between 2 and 100 participants")
	}
	seen := make(map[string]struct{}, n)
	for _, p := range r.Participants {
		if strings.TrimSpace(p) == "" {
			return apperr.Validation("participant id is empty")
		}
		if _, dup := seen[p]; dup {
			return apperr.Validation("duplicate participant " + p)
		}
		seen[p] = struct{}{}
	}
	if _, ok := seen[actorID]; !ok {
		return apperr.Validation("creator must be a participant")
	}
	if !r.IsGroupChat && n != 2 {
		return apperr.Validation("a private chat has exactly 2 participants")
	}
	if r.IsGroupChat && strings.TrimSpace(r.Name) == "" {
		return apperr.Validation("group chat name is required")
	}
	return nil
}

// CreateChat creates a chat with its opening system message and announces
// it to every participant. Creating a private chat that already exists
// returns the existing one and emits nothing.
func (s *Service) CreateChat(ctx context.Context, actorID string, req CreateChatRequest) (*model.Chat, error) {
	if err := req.validate(actorID); err != nil {
		return nil, err
	}

	if !req.IsGroupChat {
		pair := slices.Clone(req.Participants)
		slices.Sort(pair)
		defer s.lock("private:" + pair[0] + ":" + pair[1])()

		existing, err := s.store.FindPrivateChat(ctx, pair[0], pair[1])
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}

	now := s.now()
	c := &model.Chat{
		ID:           uuid.NewString(),
		IsGroupChat:  req.IsGroupChat,
		Participants: slices.Clone(req.Participants),
		CreatedBy:    actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	action := model.ActionCreatePrivateChat
	if req.IsGroupChat {
		c.Name = strings.TrimSpace(req.Name)
		c.ImageURL = req.ImageURL
		c.Admins = []string{actorID}
		action = model.ActionCreateGroupChat
	}
	if err := c.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid chat", err)
	}

	// Nobody else knows c.ID yet, so the chat needs no lock here.
	sys := s.systemMessage(c.ID, actorID, action, nil, now)
	c.SetLastMessage(sys)
	if err := s.store.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	if err := s.store.AppendMessage(ctx, sys); err != nil {
		return nil, err
	}
	if err := s.emitter.Emit(ctx, model.NewChatEvent(model.EventNewChat, c.Clone(), actorID, now)); err != nil {
		return nil, err
	}
	s.logger.Info("chat created", "chat", c.ID, "by", actorID, "group", c.IsGroupChat, "participants", len(c.Participants))
	return c, nil
}

type UpdateChatRequest struct {
	Name     *string `json:"name,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

// UpdateChat renames a group chat or changes its image. Each change is
// recorded as a system message; participants get CHAT_UPDATED.
func (s *Service) UpdateChat(ctx context.Context, actorID, chatID string, req UpdateChatRequest) (*model.Chat, error) {
	defer s.lock(chatID)()
	c, err := s.chatFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !c.IsGroupChat {
		return nil, apperr.Validation("a private chat cannot be updated")
	}

	now := s.now()
	var msgs []*model.Message
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.Validation("group chat name is required")
		}
		if name != c.Name {
			c.Name = name
			msgs = append(msgs, s.systemMessage(c.ID, actorID, model.ActionUpdateChatName,
				map[string]string{"newGroupChatName": name}, now))
		}
	}
	if req.ImageURL != nil && *req.ImageURL != c.ImageURL {
		c.ImageURL = *req.ImageURL
		msgs = append(msgs, s.systemMessage(c.ID, actorID, model.ActionUpdateChatImage,
			map[string]string{"newGroupChatImage": *req.ImageURL}, now))
	}
	if len(msgs) == 0 {
		return c, nil
	}

	for _, m := range msgs {
		if err := s.store.AppendMessage(ctx, m); err != nil {
			return nil, err
		}
		c.SetLastMessage(m)
	}
	if err := s.store.UpdateChat(ctx, c); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		ev := model.NewMessageEvent(model.EventNewMessage, m, actorID, now)
		ev.Audience = c.Participants
		ev.Chat = c.Clone()
		if err := s.emitter.Emit(ctx, ev); err != nil {
			return nil, err
		}
	}
	if err := s.emitter.Emit(ctx, model.NewChatEvent(model.EventChatUpdated, c.Clone(), actorID, now)); err != nil {
		return nil, err
	}
	return c, nil
}

// groupFor loads a group chat with its lock held by the caller and checks
// that actorID is in it.
func (s *Service) groupFor(ctx context.Context, chatID, actorID string) (*model.Chat, error) {
	c, err := s.chatFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !c.IsGroupChat {
		return nil, apperr.Validation("membership of a private chat is fixed")
	}
	return c, nil
}

// AddParticipants adds users to a group chat. Users already in it are
// skipped; adding nobody new fails. The new participants get NEW_CHAT.
func (s *Service) AddParticipants(ctx context.Context, actorID, chatID string, userIDs []string) (*model.Chat, error) {
	defer s.lock(chatID)()
	c, err := s.groupFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}

	var joined []string
	for _, u := range userIDs {
		if strings.TrimSpace(u) == "" {
			return nil, apperr.Validation("participant id is empty")
		}
		if !c.HasParticipant(u) && !slices.Contains(joined, u) {
			joined = append(joined, u)
		}
	}
	if len(joined) == 0 {
		return nil, apperr.Validation("all users are already participants")
	}
	if len(c.Participants)+len(joined) > MaxParticipants {
		return nil, apperr.Validation("a chat cannot have more than 100 participants")
	}

	before := slices.Clone(c.Participants)
	c.Participants = append(c.Participants, joined...)
	sys := s.systemMessage(c.ID, actorID, model.ActionAddParticipants,
		map[string]string{"participants": strings.Join(joined, ",")}, s.now())
	if err := s.commitGroupChange(ctx, c, actorID, sys, before, joined); err != nil {
		return nil, err
	}
	s.logger.Info("participants added", "chat", c.ID, "by", actorID, "count", len(joined))
	return c, nil
}

// RemoveParticipant takes targetID out of a group chat. Admins may remove
// anyone; any participant may remove themselves. The chat keeps at least
// MinParticipants participants and one admin.
func (s *Service) RemoveParticipant(ctx context.Context, actorID, chatID, targetID string) (*model.Chat, error) {
	defer s.lock(chatID)()
	c, err := s.groupFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(targetID) {
		return nil, apperr.Validation("user " + targetID + " is not a participant")
	}
	if actorID != targetID && !c.IsAdmin(actorID) {
		return nil, apperr.Forbidden("only an admin can remove other participants")
	}
	if len(c.Participants) <= MinParticipants {
		return nil, apperr.Validation("a chat needs at least 2 participants")
	}
	if c.IsAdmin(targetID) && len(c.Admins) == 1 {
		return nil, apperr.Validation("a group chat needs at least one admin")
	}

	before := slices.Clone(c.Participants)
	c.Participants = slices.DeleteFunc(c.Participants, func(u string) bool { return u == targetID })
	c.Admins = slices.DeleteFunc(c.Admins, func(u string) bool { return u == targetID })
	sys := s.systemMessage(c.ID, actorID, model.ActionRemoveParticipant,
		map[string]string{"targetUserId": targetID}, s.now())
	s.typing.Clear(chatID, targetID)
	if err := s.commitGroupChange(ctx, c, actorID, sys, before, nil); err != nil {
		return nil, err
	}
	s.logger.Info("participant removed", "chat", c.ID, "by", actorID, "user", targetID)
	return c, nil
}

// PromoteAdmin makes a participant an admin. Only admins may promote.
func (s *Service) PromoteAdmin(ctx context.Context, actorID, chatID, targetID string) (*model.Chat, error) {
	return s.changeRole(ctx, actorID, chatID, targetID, true)
}

// DemoteAdmin turns an admin back into a participant. The last admin
// cannot be demoted.
func (s *Service) DemoteAdmin(ctx context.Context, actorID, chatID, targetID string) (*model.Chat, error) {
	return s.changeRole(ctx, actorID, chatID, targetID, false)
}

func (s *Service) changeRole(ctx context.Context, actorID, chatID, targetID string, admin bool) (*model.Chat, error) {
	defer s.lock(chatID)()
	c, err := s.groupFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !c.IsAdmin(actorID) {
		return nil, apperr.Forbidden("only an admin can change roles")
	}
	if !c.HasParticipant(targetID) {
		return nil, apperr.Validation("user " + targetID + " is not a participant")
	}

	action := model.ActionPromoteAdmin
	if admin {
		if c.IsAdmin(targetID) {
			return nil, apperr.Validation("user " + targetID + " is already an admin")
		}
		c.Admins = append(c.Admins, targetID)
	} else {
		if !c.IsAdmin(targetID) {
			return nil, apperr.Validation("user " + targetID + " is not an admin")
		}
		if len(c.Admins) == 1 {
			return nil, apperr.Validation("a group chat needs at least one admin")
		}
		c.Admins = slices.DeleteFunc(c.Admins, func(u string) bool { return u == targetID })
		action = model.ActionDemoteAdmin
	}
	sys := s.systemMessage(c.ID, actorID, action, map[string]string{"targetUserId": targetID}, s.now())
	if err := s.commitGroupChange(ctx, c, actorID, sys, c.Participants, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// commitGroupChange persists the edited group c with sys as its newest
// message, then announces it: NEW_CHAT to joined, NEW_MESSAGE to the
// participants and CHAT_UPDATED to everyone in before. A user in before but
// no longer in c learns about the removal from that CHAT_UPDATED.
func (s *Service) commitGroupChange(ctx context.Context, c *model.Chat, actorID string, sys *model.Message, before, joined []string) error {
	if err := c.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid chat", err)
	}
	if err := s.store.AppendMessage(ctx, sys); err != nil {
		return err
	}
	c.SetLastMessage(sys)
	if err := s.store.UpdateChat(ctx, c); err != nil {
		return err
	}

	at := sys.CreatedAt
	var events []*model.Event
	if len(joined) > 0 {
		ev := model.NewChatEvent(model.EventNewChat, c.Clone(), actorID, at)
		ev.Audience = joined
		events = append(events, ev)
	}
	msg := model.NewMessageEvent(model.EventNewMessage, sys.Clone(), actorID, at)
	msg.Audience = c.Participants
	msg.Chat = c.Clone()
	upd := model.NewChatEvent(model.EventChatUpdated, c.Clone(), actorID, at)
	upd.Audience = before
	events = append(events, msg, upd)
	for _, ev := range events {
		if err := s.emitter.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChat removes a chat with its history. Either participant may delete
// a private chat; a group chat takes an admin. Participants get
// CHAT_DELETED.
func (s *Service) DeleteChat(ctx context.Context, actorID, chatID string) error {
	defer s.lock(chatID)()
	c, err := s.chatFor(ctx, chatID, actorID)
	if err != nil {
		return err
	}
	if c.IsGroupChat && !c.IsAdmin(actorID) {
		return apperr.Forbidden("only an admin can delete a group chat")
	}
	for _, u := range c.Participants {
		s.typing.Clear(chatID, u)
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	if err := s.emitter.Emit(ctx, model.NewChatEvent(model.EventChatDeleted, c, actorID, s.now())); err != nil {
		return err
	}
	s.logger.Info("chat deleted", "chat", chatID, "by", actorID)
	return nil
}

func (s *Service) systemMessage(chatID, actorID string, action model.SystemAction, meta map[string]string, at time.Time) *model.Message {
	return &model.Message{
		ID:        s.ids.Generate(),
		ChatID:    chatID,
		Type:      model.TypeSystem,
		Content:   model.SystemMessage{ActorID: actorID, Action: action, Metadata: meta}.Content(),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

type SendMessageRequest struct {
	Content   string       `json:"content"`
	MediaURL  string       `json:"mediaUrl,omitempty"`
	ReplyToID snowflake.ID `json:"replyToId,omitempty"`
}

// SendMessage appends a message, moves the chat preview to it and emits
// NEW_MESSAGE. The sender stops typing.
func (s *Service) SendMessage(ctx context.Context, actorID, chatID string, req SendMessageRequest) (*model.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && req.MediaURL == "" {
		return nil, apperr.Validation("message has neither content nor media")
	}

	defer s.lock(chatID)()
	c, err := s.chatFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m := &model.Message{
		ID:        s.ids.Generate(),
		ChatID:    chatID,
		SenderID:  actorID,
		Type:      model.TypeFor(content, req.MediaURL),
		Content:   content,
		MediaURL:  req.MediaURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !req.ReplyToID.IsZero() {
		target, err := s.store.GetMessage(ctx, req.ReplyToID)
		if err != nil || target.ChatID != chatID {
			return nil, apperr.Validation("reply target is not in this chat")
		}
		m.ReplyTo = target.Snapshot()
	}

	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	c.SetLastMessage(m)
	if err := s.store.UpdateChat(ctx, c); err != nil {
		return nil, err
	}

	ev := model.NewMessageEvent(model.EventNewMessage, m.Clone(), actorID, now)
	ev.Audience = c.Participants
	ev.Chat = c
	if err := s.emitter.Emit(ctx, ev); err != nil {
		return nil, err
	}
	s.typing.Clear(chatID, actorID)
	return m, nil
}

// message loads a message with its chat locked and checks that actorID
// sent it. The returned unlock must be called.
func (s *Service) message(ctx context.Context, actorID string, id snowflake.ID) (*model.Message, *model.Chat, func(), error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock := s.lock(m.ChatID)
	fail := func(err error) (*model.Message, *model.Chat, func(), error) {
		unlock()
		return nil, nil, nil, err
	}
	// Re-read under the lock.
	if m, err = s.store.GetMessage(ctx, id); err != nil {
		return fail(err)
	}
	c, err := s.chatFor(ctx, m.ChatID, actorID)
	if err != nil {
		return fail(err)
	}
	if m.SenderID != actorID {
		return fail(apperr.Forbidden("only the sender can change a message"))
	}
	if m.IsDeleted {
		return fail(apperr.Conflict("message was deleted"))
	}
	return m, c, unlock, nil
}

// EditMessage replaces the text of a TEXT message. A deleted message stays
// deleted: the edit fails with CONFLICT.
func (s *Service) EditMessage(ctx context.Context, actorID string, id snowflake.ID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Validation("edited content is empty")
	}
	m, c, unlock, err := s.message(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if m.Type != model.TypeText {
		return nil, apperr.Validation("only text messages can be edited")
	}

	now := s.now()
	m, err = s.store.MarkEdited(ctx, id, content, now)
	if err != nil {
		return nil, err
	}
	return m, s.emitChange(ctx, model.EventMessageEdited, actorID, m, c, now)
}

// DeleteMessage tombstones a message. Replies keep their snapshot but are
// flagged as replying to a deleted message.
func (s *Service) DeleteMessage(ctx context.Context, actorID string, id snowflake.ID) (*model.Message, error) {
	_, c, unlock, err := s.message(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	m, err := s.store.MarkDeleted(ctx, id, now)
	if err != nil {
		return nil, err
	}
	return m, s.emitChange(ctx, model.EventMessageDeleted, actorID, m, c, now)
}

func (s *Service) emitChange(ctx context.Context, kind model.EventKind, actorID string, m *model.Message, c *model.Chat, at time.Time) error {
	ev := model.NewMessageEvent(kind, m.Clone(), actorID, at)
	ev.Audience = c.Participants
	if c.IsLastMessage(m.ID) {
		c.LastMessage.Content = m.Content
		c.LastMessage.MediaURL = m.MediaURL
		c.LastMessage.Deleted = m.IsDeleted
		if err := s.store.UpdateChat(ctx, c); err != nil {
			// The message change is committed; chat lists catch up on
			// the next preview write.
			s.logger.Error("update chat preview", "chat", c.ID, "message", m.ID, "err", err)
		} else {
			ev.Chat = c
		}
	}
	return s.emitter.Emit(ctx, ev)
}

// MarkAsRead moves actorID's watermark to upto (zero means the newest
// message), records read info on the messages it covers and resets the
// unread counter.
func (s *Service) MarkAsRead(ctx context.Context, actorID, chatID string, upto snowflake.ID) (*model.ReadReceipt, error) {
	defer s.lock(chatID)()
	c, err := s.chatFor(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if upto, err = s.readTarget(ctx, c, upto); err != nil {
		return nil, err
	}

	now := s.now()
	covered, err := s.store.AppendReadInfo(ctx, chatID, actorID, upto, now)
	if err != nil {
		return nil, err
	}
	rr := &model.ReadReceipt{ChatID: chatID, UserID: actorID, MessageID: upto, ReadAt: now, Covered: covered}
	ev := model.NewReadEvent(rr)
	ev.Audience = c.Participants
	if err := s.emitter.Emit(ctx, ev); err != nil {
		return nil, err
	}
	return rr, nil
}

// readTarget resolves upto to the newest message of c with id <= upto, so a
// watermark always names a message of this chat.
func (s *Service) readTarget(ctx context.Context, c *model.Chat, upto snowflake.ID) (snowflake.ID, error) {
	if c.LastMessage != nil && (upto.IsZero() || upto >= c.LastMessage.ID) {
		return c.LastMessage.ID, nil
	}
	if upto.IsZero() {
		return 0, apperr.Validation("chat has no messages")
	}
	page, err := s.store.GetMessages(ctx, c.ID, upto+1, 1)
	if err != nil {
		return 0, err
	}
	if len(page.Messages) == 0 {
		return 0, apperr.Validation("no message at or before " + upto.String())
	}
	return page.Messages[len(page.Messages)-1].ID, nil
}

// Typing records a typing signal from actorID. Start and stop edges are
// emitted by the tracker.
func (s *Service) Typing(ctx context.Context, actorID, chatID string, typing bool) error {
	if _, err := s.chatFor(ctx, chatID, actorID); err != nil {
		return err
	}
	if typing {
		s.typing.MarkTyping(chatID, actorID)
	} else {
		s.typing.Clear(chatID, actorID)
	}
	return nil
}

func (s *Service) onTyping(kind model.EventKind, chatID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), typingTimeout)
	defer cancel()
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		s.logger.Warn("typing event for unknown chat", "chat", chatID, "err", err)
		return
	}
	ev := model.NewTypingEvent(kind, chatID, userID, s.now())
	ev.Audience = c.Participants
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Error("emit typing event", "kind", kind, "chat", chatID, "err", err)
	}
}
