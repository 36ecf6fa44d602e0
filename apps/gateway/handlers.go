package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chat-fanout/pkg/auth"
	"github.com/mahaj/chat-fanout/pkg/chat"
	"github.com/mahaj/chat-fanout/pkg/httpapi"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/snowflake"
)

type editRequest struct {
	Content string `json:"content"`
}

type readRequest struct {
	MessageID snowflake.ID `json:"messageId,omitempty"`
}

type participantsRequest struct {
	UserIDs []string `json:"userIds"`
}

type typingRequest struct {
	Typing *bool `json:"typing,omitempty"`
}

// Routes mounts the websocket endpoint and every mutating operation.
func (h *Hub) Routes() http.Handler {
	r := httpapi.NewRouter(h.logger)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) { serveWs(h, w, r) })
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, h.Stats())
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware(h.logger))
		r.Post("/chats", h.createChat)
		r.Put("/chats/{chatID}", h.updateChat)
		r.Delete("/chats/{chatID}", h.deleteChat)
		r.Post("/chats/{chatID}/participants", h.addParticipants)
		r.Delete("/chats/{chatID}/participants/{userID}", h.member(h.service.RemoveParticipant))
		r.Put("/chats/{chatID}/admins/{userID}", h.member(h.service.PromoteAdmin))
		r.Delete("/chats/{chatID}/admins/{userID}", h.member(h.service.DemoteAdmin))
		r.Post("/chats/{chatID}/messages", h.sendMessage)
		r.Put("/chats/{chatID}/read", h.markRead)
		r.Post("/chats/{chatID}/typing", h.typingSignal)
		r.Put("/messages/{messageID}", h.editMessage)
		r.Delete("/messages/{messageID}", h.deleteMessage)
	})
	return r
}

func actor(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func (h *Hub) createChat(w http.ResponseWriter, r *http.Request) {
	var req chat.CreateChatRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.CreateChat(r.Context(), actor(r), req)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, c)
}

func (h *Hub) updateChat(w http.ResponseWriter, r *http.Request) {
	var req chat.UpdateChatRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.UpdateChat(r.Context(), actor(r), chi.URLParam(r, "chatID"), req)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

func (h *Hub) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteChat(r.Context(), actor(r), chi.URLParam(r, "chatID")); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) addParticipants(w http.ResponseWriter, r *http.Request) {
	var req participantsRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	c, err := h.service.AddParticipants(r.Context(), actor(r), chi.URLParam(r, "chatID"), req.UserIDs)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

type memberChange func(ctx context.Context, actorID, chatID, targetID string) (*model.Chat, error)

// member serves the routes that act on one participant of a chat.
func (h *Hub) member(change memberChange) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := change(r.Context(), actor(r), chi.URLParam(r, "chatID"), chi.URLParam(r, "userID"))
		if err != nil {
			httpapi.WriteError(w, h.logger, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, c)
	}
}

func (h *Hub) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendMessageRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	m, err := h.service.SendMessage(r.Context(), actor(r), chi.URLParam(r, "chatID"), req)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, m)
}

func (h *Hub) markRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if r.ContentLength != 0 {
		if err := httpapi.Decode(r, &req); err != nil {
			httpapi.WriteError(w, h.logger, err)
			return
		}
	}
	rr, err := h.service.MarkAsRead(r.Context(), actor(r), chi.URLParam(r, "chatID"), req.MessageID)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rr)
}

func (h *Hub) typingSignal(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if r.ContentLength != 0 {
		if err := httpapi.Decode(r, &req); err != nil {
			httpapi.WriteError(w, h.logger, err)
			return
		}
	}
	typing := req.Typing == nil || *req.Typing
	if err := h.service.Typing(r.Context(), actor(r), chi.URLParam(r, "chatID"), typing); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := httpapi.IDParam(r, "messageID")
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	var req editRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	m, err := h.service.EditMessage(r.Context(), actor(r), id, req.Content)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, m)
}

func (h *Hub) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := httpapi.IDParam(r, "messageID")
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	m, err := h.service.DeleteMessage(r.Context(), actor(r), id)
	if err != nil {
		httpapi.WriteError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, m)
}
