// Package chatapi is the REST client for the chat backend: history pages,
// read acknowledgments, conversation start and login.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"vibechat/internal/domain"
)

// Client talks to the chat REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL (for example http://localhost:8000/api).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// SetToken replaces the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// LoadHistory fetches one page of history and returns it sorted ascending
// by (createdAt, id). It does not retry.
func (c *Client) LoadHistory(ctx context.Context, conversationID string, limit, offset int) (*domain.History, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var h domain.History
	if err := c.do(ctx, http.MethodGet, path, nil, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHistoryLoadFailed, err)
	}
	for i := range h.Messages {
		if h.Messages[i].ConversationID == "" {
			h.Messages[i].ConversationID = conversationID
		}
		h.Messages[i].DeliveryState = domain.DeliveryConfirmed
	}
	slices.SortStableFunc(h.Messages, func(a, b domain.Message) int {
		return domain.CompareMessages(&a, &b)
	})
	return &h, nil
}

// AckRead marks one message as read on the server.
func (c *Client) AckRead(ctx context.Context, messageID string) error {
	path := "/chat/messages/" + url.PathEscape(messageID) + "/read"
	if err := c.do(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrAckFailed, messageID, err)
	}
	return nil
}

type startResponse struct {
	ConversationID string `json:"conversationId"`
}

// StartConversation opens (or finds) the conversation about vibeID with its
// owner and returns its id.
func (c *Client) StartConversation(ctx context.Context, vibeID string) (string, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, "/chat/vibes/"+url.PathEscape(vibeID)+"/start", nil, &resp); err != nil {
		return "", fmt.Errorf("start conversation: %w", err)
	}
	if resp.ConversationID == "" {
		return "", fmt.Errorf("start conversation: empty conversation id")
	}
	return resp.ConversationID, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by login and register.
type TokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        *domain.User `json:"user"`
}

// Login exchanges credentials for an access token and stores it on the
// client.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Unwrap maps auth statuses onto the domain sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil {
			e.Error = string(bytes.TrimSpace(raw))
		}
		return &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
