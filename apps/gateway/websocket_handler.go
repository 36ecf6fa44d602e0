package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/chat-fanout/pkg/apperr"
	"github.com/mahaj/chat-fanout/pkg/httpapi"
	"github.com/mahaj/chat-fanout/pkg/model"
	"github.com/mahaj/chat-fanout/pkg/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	controlTimeout = 5 * time.Second
)

var newline = []byte{'\n'}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frames the gateway itself sends in answer to control frames.
const (
	frameSubscribed   = "SUBSCRIBED"
	frameUnsubscribed = "UNSUBSCRIBED"
	frameError        = "ERROR"
)

type ackData struct {
	UnreadCount int64    `json:"unreadCount"`
	Typing      []string `json:"typing,omitempty"`
}

type errorData struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// Client is a middleman between the websocket connection and the hub. It is
// the registry handle of its connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	live *registry.Connection

	userID    string
	closeOnce sync.Once
}

// Close tears down the socket; readPump then unregisters the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// readPump reads control frames until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.registry.Unregister(c.live.ID)
		c.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "conn", c.live.ID, "user", c.userID, "err", err)
			}
			break
		}
		var frame model.ControlFrame
		if err := json.Unmarshal(bytes.TrimSpace(message), &frame); err != nil {
			c.reply(frameError, "", errorData{Code: apperr.CodeValidation, Message: "malformed control frame"})
			continue
		}
		c.control(frame)
	}
}

func (c *Client) control(f model.ControlFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	switch f.Type {
	case model.ControlSubscribe:
		n, err := c.hub.subscribe(ctx, c.live, f.ChatID)
		if err != nil {
			c.fail(f.ChatID, err)
			return
		}
		typers := slices.DeleteFunc(c.hub.typing.Typers(f.ChatID), func(u string) bool { return u == c.userID })
		c.reply(frameSubscribed, f.ChatID, ackData{UnreadCount: n, Typing: typers})
	case model.ControlUnsubscribe:
		c.hub.router.Unsubscribe(c.live.ID)
		c.reply(frameUnsubscribed, f.ChatID, nil)
	case model.ControlTyping:
		if f.UserID != "" && f.UserID != c.userID {
			c.fail(f.ChatID, apperr.Forbidden("typing on behalf of another user"))
			return
		}
		if err := c.hub.service.Typing(ctx, c.userID, f.ChatID, true); err != nil {
			c.fail(f.ChatID, err)
		}
	default:
		c.fail(f.ChatID, apperr.Validation("unknown control frame type"))
	}
}

func (c *Client) fail(chatID string, err error) {
	code := apperr.CodeOf(err)
	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	} else {
		c.hub.logger.Error("control frame failed", "conn", c.live.ID, "err", err)
	}
	c.reply(frameError, chatID, errorData{Code: code, Message: msg})
}

// reply queues a gateway frame behind any pending events.
func (c *Client) reply(kind, chatID string, data any) {
	b, err := json.Marshal(struct {
		Event  string `json:"event"`
		ChatID string `json:"chatId,omitempty"`
		Data   any    `json:"data,omitempty"`
	}{kind, chatID, data})
	if err != nil {
		return
	}
	c.live.Deliver(b)
}

// writePump pumps messages from the connection's queue to the websocket.
// Queued frames are coalesced into one websocket message, one per line.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	send := c.live.Send()
	for {
		select {
		case message, ok := <-send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the queue.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued chat messages to the current websocket message.
			n := len(send)
			for i := 0; i < n; i++ {
				next, ok := <-send
				if !ok {
					break
				}
				w.Write(newline)
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs handles websocket requests from the peer. An optional chat query
// parameter subscribes the new connection right away.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	userID, err := hub.auth.Authenticate(r)
	if err != nil {
		hub.logger.Info("websocket unauthorized", "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID := r.URL.Query().Get("chat")
	if chatID != "" {
		if _, err := hub.query.GetChat(r.Context(), userID, chatID); err != nil {
			httpapi.WriteError(w, hub.logger, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{hub: hub, conn: conn, userID: userID}
	live, err := hub.registry.Register(userID, client)
	if err != nil {
		hub.logger.Error("register connection", "user", userID, "err", err)
		conn.Close()
		return
	}
	client.live = live
	hub.logger.Info("client connected", "conn", live.ID, "user", userID)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	if chatID != "" {
		client.control(model.ControlFrame{Type: model.ControlSubscribe, ChatID: chatID})
	}
}
