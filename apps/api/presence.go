package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chat-fanout/pkg/httpapi"
)

type onlineResponse struct {
	ChatID string `json:"chatId"`
	// Viewers have the chat open; Online are participants with any
	// live connection.
	Viewers []string `json:"viewers"`
	Online  []string `json:"online"`
}

func (s *Server) online(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		httpapi.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"code":    "UNAVAILABLE",
			"message": "presence needs STATE=redis",
		})
		return
	}
	chatID := chi.URLParam(r, "chatID")
	c, err := s.query.GetChat(r.Context(), viewer(r), chatID)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	viewers, err := s.presence.Viewers(r.Context(), chatID)
	if err != nil {
		s.logger.Error("fetch viewers", "chat", chatID, "err", err)
		httpapi.WriteError(w, s.logger, err)
		return
	}
	online, err := s.presence.OnlineAmong(r.Context(), c.Participants)
	if err != nil {
		s.logger.Error("fetch online participants", "chat", chatID, "err", err)
		httpapi.WriteError(w, s.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, onlineResponse{ChatID: chatID, Viewers: nonNil(viewers), Online: nonNil(online)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
