package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/httpapi"
)

// messages pages a chat's history, newest page first, oldest message first
// within a page. Pass the returned next as before for the older page.
func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	before, err := httpapi.QueryID(r, "before")
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	size, err := httpapi.QueryInt(r, "size", history.DefaultPageSize)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	page, err := s.query.Messages(r.Context(), viewer(r), chi.URLParam(r, "chatID"), before, size)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, page)
}

type seenByResponse struct {
	MessageID string   `json:"messageId"`
	Users     []string `json:"users"`
}

func (s *Server) seenBy(w http.ResponseWriter, r *http.Request) {
	id, err := httpapi.IDParam(r, "messageID")
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	users, err := s.query.SeenBy(r.Context(), viewer(r), id)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	httpapi.WriteJSON(w, http.StatusOK, seenByResponse{MessageID: id.String(), Users: users})
}
