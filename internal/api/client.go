// ABOUTME: REST client for the campus-chat durable-store surface
// ABOUTME: Conversations, history and persistence calls with bearer-token auth

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/campuslink/campus-chat/internal/model"
)

// APIError is a non-2xx response from the durable store.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: server returned %d: %s", e.Status, e.Message)
}

// Client talks to the campus-chat REST endpoints.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a REST client for the given base URL and session token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Conversations fetches every conversation the session user participates in.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Messages fetches the confirmed history of one conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"

	var msgs []model.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage persists a send and returns the canonical server record.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, idempotencyKey string) (*model.Message, error) {
	body := map[string]string{
		"conversationId": conversationID,
		"text":           text,
		"idempotencyKey": idempotencyKey,
	}

	var msg model.Message
	if err := c.do(ctx, http.MethodPost, "/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateDirect resolves or creates the direct conversation with the target
// user. Idempotent: the same pair always yields the same conversation.
func (c *Client) CreateDirect(ctx context.Context, targetUserID string) (*model.Conversation, error) {
	body := map[string]string{"targetUserId": targetUserID}

	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/direct", body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroup resolves or creates the discussion group for an event and
// joins the session user to it.
func (c *Client) CreateGroup(ctx context.Context, eventID string) (*model.Conversation, error) {
	path := "/conversations/group/" + url.PathEscape(eventID)

	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, path, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// do performs one request, decoding a JSON success body into out and JSON
// error bodies into APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
