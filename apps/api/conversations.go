package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/httpapi"
)

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	size, err := httpapi.QueryInt(r, "size", history.DefaultPageSize)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	page, err := s.query.ListChats(r.Context(), viewer(r), r.URL.Query().Get("before"), size)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) searchChats(w http.ResponseWriter, r *http.Request) {
	size, err := httpapi.QueryInt(r, "size", history.DefaultPageSize)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	page, err := s.query.SearchChats(r.Context(), viewer(r), q.Get("q"), q.Get("before"), size)
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	c, err := s.query.GetChat(r.Context(), viewer(r), chi.URLParam(r, "chatID"))
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

// unread maps chat id to the caller's unread count.
func (s *Server) unread(w http.ResponseWriter, r *http.Request) {
	counts, err := s.query.Unread(r.Context(), viewer(r))
	if err != nil {
		httpapi.WriteError(w, s.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, counts)
}
