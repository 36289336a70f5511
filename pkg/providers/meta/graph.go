package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
)

const maxErrorBody = 4096

// GraphClient posts JSON to the Graph API.
type GraphClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewGraphClient(baseURL string, httpClient *http.Client) *GraphClient {
	if baseURL == "" {
		baseURL = providers.DefaultGraphURL
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &GraphClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// Post sends body to path with the access token as bearer credential.
func (c *GraphClient) Post(ctx context.Context, provider models.Provider, path, token string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal graph request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build graph request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &providers.SendError{Provider: provider, Message: err.Error(), Retryable: true, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := strings.TrimSpace(string(raw))

	var decoded graphError
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}

	return &providers.SendError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    message,
		Retryable:  providers.RetryableStatus(resp.StatusCode),
	}
}

// MessengerSender replies through the Send API used by Facebook pages and Instagram accounts.
type MessengerSender struct {
	graph    *GraphClient
	provider models.Provider
	token    string
}

func NewMessengerSender(graph *GraphClient, provider models.Provider, token string) *MessengerSender {
	return &MessengerSender{graph: graph, provider: provider, token: token}
}

type messengerRequest struct {
	Recipient     participant      `json:"recipient"`
	MessagingType string           `json:"messaging_type"`
	Message       messengerMessage `json:"message"`
}

type messengerMessage struct {
	Text string `json:"text"`
}

func (s *MessengerSender) Send(ctx context.Context, message models.OutboundMessage) error {
	return s.graph.Post(ctx, s.provider, "/me/messages", s.token, messengerRequest{
		Recipient:     participant{ID: message.To},
		MessagingType: "RESPONSE",
		Message:       messengerMessage{Text: message.Text},
	})
}
