// Package rest is the request/response collaborator of the session core:
// login, credential validation, message history, and chat membership calls
// against the HTTP gateway. The realtime channel lives elsewhere; nothing
// here holds connection state.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerr "github.com/pkg/errors"

	"PPClient/model"
	"PPClient/tools/errs"
)

// TokenProvider supplies the current bearer token, if any. The client reads
// it per request so a token refreshed mid-session is honored.
type TokenProvider func() (string, bool)

type Client struct {
	base   string
	http   *http.Client
	tokens TokenProvider
}

func NewClient(baseURL string, tokens TokenProvider) *Client {
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
	}
}

// LoginResult mirrors the gateway's login response.
type LoginResult struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
}

func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validation is the server's verdict on a credential.
type Validation struct {
	Valid   bool   `json:"valid"`
	Subject string `json:"subject,omitempty"`
}

// ValidateCredential asks the gateway whether token is still good. A 401/403
// answer maps to ErrAuthRejected; transport failures come back as plain
// errors so the caller can tell the two apart.
func (c *Client) ValidateCredential(ctx context.Context, token string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/auth/validate", nil)
	if err != nil {
		return nil, pkgerr.Wrap(err, "build validate request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, pkgerr.Wrap(err, "validate request")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.ErrAuthRejected.WrapMsg("validate", "status", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("validate: unexpected status %d", resp.StatusCode)
	}

	var out Validation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pkgerr.Wrap(err, "decode validation")
	}
	return &out, nil
}

// FetchHistory returns one page of a chat's messages, oldest first. The
// gateway serves pages newest-first; the page is reversed here so callers
// always see server order.
func (c *Client) FetchHistory(ctx context.Context, chatID string, page, size int) ([]model.Message, error) {
	var msgs []model.Message
	path := fmt.Sprintf("/chats/%s/messages?page=%d&size=%d", chatID, page, size)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) ListChats(ctx context.Context) ([]model.ChatHandle, error) {
	var chats []model.ChatHandle
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) GetChatInfo(ctx context.Context, chatID string) (*model.ChatHandle, error) {
	var out model.ChatHandle
	if err := c.do(ctx, http.MethodGet, "/chats/"+chatID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateChatRequest creates a private or group chat. Membership changes come
// back to the core via CHAT_EVENT notices, not by re-polling.
type CreateChatRequest struct {
	Kind           model.ChatKind `json:"chatType"`
	Name           string         `json:"chatName,omitempty"`
	ParticipantIDs []string       `json:"participantIds"`
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (*model.ChatHandle, error) {
	var out model.ChatHandle
	if err := c.do(ctx, http.MethodPost, "/chats", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddParticipants(ctx context.Context, chatID string, userIDs []string) (*model.ChatHandle, error) {
	var out model.ChatHandle
	err := c.do(ctx, http.MethodPost, "/chats/"+chatID+"/participants", map[string][]string{
		"userIds": userIDs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/chats/"+chatID+"/participants/me", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return pkgerr.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return pkgerr.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if tok, ok := c.tokens(); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerr.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.ErrAuthRejected.WrapMsg(path, "status", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := readErrorMessage(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerr.Wrapf(err, "decode %s response", path)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return "request failed"
}
