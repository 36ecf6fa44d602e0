package main

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chat-fanout/pkg/apperr"
	"github.com/mahaj/chat-fanout/pkg/auth"
	"github.com/mahaj/chat-fanout/pkg/chat"
	"github.com/mahaj/chat-fanout/pkg/httpapi"
	"github.com/mahaj/chat-fanout/pkg/presence"
)

// Server answers the read side over HTTP. It never emits events.
type Server struct {
	query    *chat.Query
	presence *presence.Presence // nil without Redis
	auth     *auth.Authenticator
	logger   *slog.Logger
}

func NewServer(q *chat.Query, p *presence.Presence, a *auth.Authenticator, logger *slog.Logger) *Server {
	return &Server{query: q, presence: p, auth: a, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := httpapi.NewRouter(s.logger)
	r.Post("/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(s.logger))
		r.Get("/chats", s.listChats)
		r.Get("/chats/search", s.searchChats)
		r.Get("/chats/{chatID}", s.getChat)
		r.Get("/chats/{chatID}/messages", s.messages)
		r.Get("/chats/{chatID}/online", s.online)
		r.Get("/messages/{messageID}/seen-by", s.seenBy)
		r.Get("/unread", s.unread)
	})
	return r
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// login issues a token for any user id; there are no passwords.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		httpapi.WriteError(w, s.logger, apperr.Validation("user_id is required"))
		return
	}
	token, err := s.auth.GenerateToken(req.UserID)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	s.logger.Info("login", "user", req.UserID)
	httpapi.WriteJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func viewer(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}
