package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/chat-fanout/pkg/history"
	"github.com/mahaj/chat-fanout/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

type frame struct {
	Event       string          `json:"event"`
	ChatID      string          `json:"chatId"`
	Data        json.RawMessage `json:"data"`
	UnreadCount *int64          `json:"unreadCount"`
}

// client talks to the api for login and to the gateway for everything else.
type client struct {
	api     string
	gateway string
	token   string
	http    *http.Client
}

func (c *client) do(method, url string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) login(userID string) error {
	var lr LoginResponse
	if err := c.do(http.MethodPost, c.api+"/login", map[string]string{"user_id": userID}, &lr); err != nil {
		return err
	}
	c.token = lr.Token
	return nil
}

// openDM returns the private chat with other, creating it if needed.
func (c *client) openDM(self, other string) (string, error) {
	var ch model.Chat
	req := map[string]any{"participants": []string{self, other}}
	if err := c.do(http.MethodPost, "http://"+c.gateway+"/chats", req, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (c *client) send(chatID, text string) error {
	return c.do(http.MethodPost, "http://"+c.gateway+"/chats/"+chatID+"/messages", map[string]string{"content": text}, nil)
}

func (c *client) read(chatID string) error {
	return c.do(http.MethodPut, "http://"+c.gateway+"/chats/"+chatID+"/read", nil, nil)
}

// older fetches the page of messages before the cursor; zero means newest.
func (c *client) older(chatID string, before int64) (*history.MessagePage, error) {
	u := c.api + "/chats/" + url.PathEscape(chatID) + "/messages"
	if before != 0 {
		u += fmt.Sprintf("?before=%d", before)
	}
	var page history.MessagePage
	if err := c.do(http.MethodGet, u, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// window is the open chat's timeline, shared by the reader and the prompt.
type window struct {
	mu sync.Mutex
	tl *history.Timeline
}

func (w *window) open(chatID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tl = history.NewTimeline(chatID)
}

// seen folds f into the timeline and reports whether it was already shown.
// A subscribed connection gets NEW_MESSAGE from both the chat topic and its
// user queue.
func (w *window) seen(f frame) bool {
	ev := toEvent(f)
	w.mu.Lock()
	defer w.mu.Unlock()
	if ev == nil || w.tl == nil || ev.ChatID != w.tl.ChatID() {
		return false
	}
	return !w.tl.Apply(ev) && ev.Kind == model.EventNewMessage
}

// prepend merges an older page and returns the cursor for the next one.
func (w *window) prepend(page *history.MessagePage) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tl == nil {
		return 0
	}
	w.tl.Prepend(page)
	return int64(w.tl.Oldest())
}

func toEvent(f frame) *model.Event {
	switch k := model.EventKind(f.Event); k {
	case model.EventNewMessage, model.EventMessageEdited, model.EventMessageDeleted:
		var m model.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil
		}
		return model.NewMessageEvent(k, &m, "", time.Now())
	case model.EventChatRead:
		var rr model.ReadReceipt
		if err := json.Unmarshal(f.Data, &rr); err != nil {
			return nil
		}
		return model.NewReadEvent(&rr)
	}
	return nil
}

func renderMessage(m *model.Message) string {
	sender := m.SenderID
	if sender == "" {
		sender = "*"
	}
	if m.IsDeleted {
		return fmt.Sprintf("%s: (deleted)", sender)
	}
	return fmt.Sprintf("%s: %s", sender, m.Content)
}

func render(f frame) string {
	switch model.EventKind(f.Event) {
	case model.EventNewMessage:
		var m model.Message
		if err := json.Unmarshal(f.Data, &m); err == nil {
			return renderMessage(&m)
		}
	case model.EventUserTyping, model.EventTypingStopped:
		var t model.Typing
		if err := json.Unmarshal(f.Data, &t); err == nil {
			if f.Event == string(model.EventUserTyping) {
				return fmt.Sprintf("%s is typing...", t.UserID)
			}
			return fmt.Sprintf("%s stopped typing", t.UserID)
		}
	}
	s := fmt.Sprintf("[%s %s] %s", f.Event, f.ChatID, f.Data)
	if f.UnreadCount != nil {
		s += fmt.Sprintf(" unread=%d", *f.UnreadCount)
	}
	return s
}

func main() {
	gatewayAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	chatID := flag.String("chat", "", "chat id to open")
	dmUser := flag.String("dm", "", "user id to dm (overrides -chat)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fatal := func(msg string, err error) {
		logger.Error(msg, "err", err)
		os.Exit(1)
	}

	c := &client{api: *apiAddr, gateway: *gatewayAddr, http: &http.Client{Timeout: 10 * time.Second}}
	logger.Info("logging in", "user", *userID)
	if err := c.login(*userID); err != nil {
		fatal("login failed", err)
	}

	current := *chatID
	if *dmUser != "" {
		id, err := c.openDM(*userID, *dmUser)
		if err != nil {
			fatal("open dm", err)
		}
		current = id
	}

	u := url.URL{Scheme: "ws", Host: *gatewayAddr, Path: "/ws"}
	q := u.Query()
	q.Set("token", c.token)
	if current != "" {
		q.Set("chat", current)
	}
	u.RawQuery = q.Encode()

	logger.Info("connecting", "addr", *gatewayAddr, "chat", current)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	var win window
	if current != "" {
		win.open(current)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.Info("connection closed", "err", err)
				return
			}
			// One websocket message may carry several newline-separated frames.
			for _, line := range bytes.Split(message, []byte{'\n'}) {
				var f frame
				if err := json.Unmarshal(line, &f); err != nil {
					fmt.Printf("\rreceived raw: %s\n> ", line)
					continue
				}
				if win.seen(f) {
					continue
				}
				fmt.Printf("\r%s\n> ", render(f))
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		var cursor int64
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			var err error
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case strings.HasPrefix(text, "/open "):
				current = strings.TrimSpace(strings.TrimPrefix(text, "/open "))
				win.open(current)
				cursor = 0
				err = conn.WriteJSON(model.ControlFrame{Type: model.ControlSubscribe, ChatID: current})
			case current == "":
				fmt.Println("no chat open; use /open <chatId>")
			case text == "/typing":
				err = conn.WriteJSON(model.ControlFrame{Type: model.ControlTyping, ChatID: current, UserID: *userID})
			case text == "/history":
				var page *history.MessagePage
				if page, err = c.older(current, cursor); err == nil {
					for _, m := range page.Messages {
						fmt.Println(renderMessage(m))
					}
					cursor = win.prepend(page)
				}
			case text == "/read":
				err = c.read(current)
			default:
				err = c.send(current, text)
			}
			if err != nil {
				logger.Error("command failed", "err", err)
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			logger.Info("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				logger.Error("write close", "err", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
