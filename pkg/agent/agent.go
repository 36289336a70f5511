// Package agent is the client side of the external agent service that decides
// what an AI node replies.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("agent service url not configured")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the agent-request job payload.
type Request struct {
	RunID       string         `json:"run_id"`
	NodeID      string         `json:"node_id"`
	WorkflowID  string         `json:"workflow_id"`
	UserID      string         `json:"user_id"`
	Input       string         `json:"input"`
	ChatHistory []Message      `json:"chat_history,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Response is the agent-response job payload.
type Response struct {
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	Reply  string         `json:"reply"`
	Data   map[string]any `json:"data,omitempty"`
}

// Output is exposed to later nodes as .nodes.<id>.
func (r Response) Output() map[string]any {
	output := map[string]any{"reply": r.Reply}
	for key, value := range r.Data {
		if key != "reply" {
			output[key] = value
		}
	}

	return output
}

type Service interface {
	Respond(ctx context.Context, request Request) (*Response, error)
}

// HTTPError is a non-2xx answer of the agent service.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent service returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed later.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client calls POST <base>/respond.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Respond(ctx context.Context, request Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/respond", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var response Response
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	response.RunID = request.RunID
	response.NodeID = request.NodeID

	return &response, nil
}
