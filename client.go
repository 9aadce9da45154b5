// Package cemear is a Go client for the company messenger backend.
//
// It keeps a shared realtime connection, a single conversation store fed by
// paginated REST history and live events, read receipts, presence and the
// unread badge consistent across independently mounted views.
//
// Example:
//
//	client := cemear.NewClient(token, cemear.WithBaseURL("https://api.example.com"))
//	m := cemear.NewMessenger(client)
//	if err := m.Start(ctx, userID); err != nil { ... }
//	defer m.Stop()
//
//	chat, err := m.Chat(ctx, conversationID)
//	if err != nil { ... }
//	defer chat.Unmount()
//	chat.Send(ctx, "Bom dia!")
package cemear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client calls the messenger REST API. Every request carries the bearer token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log.Named("client") }
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a fresh login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
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
		c.log.Warn("request_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		c.log.Warn("request_rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the conversations of the authenticated user,
// each with its most recent messages embedded.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// ListMessages fetches one page of a conversation's history. Pages start at 1.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (*MessagesPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagesPage](data)
}

// MarkConversationRead marks every message addressed to the caller in the
// conversation as read on the server.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages/read", nil, nil)
	return err
}

// CreateConversation creates, or returns the existing, conversation between
// the caller and user2ID.
func (c *Client) CreateConversation(ctx context.Context, user2ID string) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations", map[string]string{"user2Id": user2ID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// ============================================================================
// Users
// ============================================================================

// ListUsers returns the user directory.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/auth/users", nil, nil)
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}
