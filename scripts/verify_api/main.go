package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

type LoginResponse struct {
	Token string `json:"token"`
}

type chatResponse struct {
	ID string `json:"id"`
}

func call(method, url, token string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, b)
	}
	return b, nil
}

func login(api, userID string) (string, error) {
	b, err := call(http.MethodPost, api+"/login", "", map[string]string{"user_id": userID})
	if err != nil {
		return "", err
	}
	var lr LoginResponse
	return lr.Token, json.Unmarshal(b, &lr)
}

// Walks a private chat between userA and userB through both services.
// Needs STORE=scylla and STATE=redis so the two processes share state.
func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	gatewayAddr := flag.String("gateway", "http://localhost:8080", "gateway service address")
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := verify(logger, *apiAddr, *gatewayAddr); err != nil {
		logger.Error("verify failed", "err", err)
		os.Exit(1)
	}
	logger.Info("api verified")
}

func verify(logger *slog.Logger, api, gateway string) error {
	a, err := login(api, "userA")
	if err != nil {
		return err
	}
	b, err := login(api, "userB")
	if err != nil {
		return err
	}

	raw, err := call(http.MethodPost, gateway+"/chats", a, map[string]any{"participants": []string{"userA", "userB"}})
	if err != nil {
		return err
	}
	var c chatResponse
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	logger.Info("chat ready", "chat", c.ID)

	if _, err := call(http.MethodPost, gateway+"/chats/"+c.ID+"/messages", a, map[string]string{"content": "hello from verify_api"}); err != nil {
		return err
	}

	for _, path := range []string{"/unread", "/chats", "/chats/" + c.ID + "/messages", "/chats/" + c.ID + "/online"} {
		body, err := call(http.MethodGet, api+path, b, nil)
		if err != nil {
			return err
		}
		logger.Info("GET "+path, "body", string(body))
	}

	if _, err := call(http.MethodPut, gateway+"/chats/"+c.ID+"/read", b, nil); err != nil {
		return err
	}
	body, err := call(http.MethodGet, api+"/unread", b, nil)
	if err != nil {
		return err
	}
	logger.Info("unread after read", "body", string(body))
	return nil
}
