package web_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/mocks"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/meta"
	"github.com/dukex/courier/pkg/providers/whatsapp"
	"github.com/dukex/courier/pkg/queue"
	"github.com/dukex/courier/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	appSecret   = "app-secret"
	verifyToken = "verify"
)

const whatsappDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_ID",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PNID"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "5511999999999"}],
        "messages": [
          {"from": "5511999999999", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello"}},
          {"from": "5511999999999", "id": "wamid.2", "timestamp": "1700000001", "type": "text", "text": {"body": "Are you there?"}}
        ]
      }
    }]
  }]
}`

type recorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recorder) WebhookReceived(provider, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, provider+"/"+outcome)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.outcomes...)
}

func providerRegistry() *providers.Registry {
	registry := providers.NewRegistry()
	registry.Register(whatsapp.New(providers.WhatsAppConfig{
		MetaConfig: providers.MetaConfig{AppSecret: appSecret, VerifyToken: verifyToken},
	}))

	return registry
}

func setupReceiver(t *testing.T, q web.Enqueuer) (*fiber.App, *recorder) {
	t.Helper()

	rec := &recorder{}
	receiver := web.NewReceiver(providerRegistry(), q, log.Discard(), web.WithDeliveryRecorder(rec))

	return web.NewReceiverApp(receiver), rec
}

func deliver(t *testing.T, app *fiber.App, body, signature string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	if signature != "" {
		req.Header.Set(meta.SignatureHeader, signature)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(data)
}

func TestReceiver_Challenge(t *testing.T) {
	t.Parallel()

	app, _ := setupReceiver(t, &mocks.MockEnqueuer{})

	tests := []struct {
		name           string
		target         string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "valid token",
			target:         "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify&hub.challenge=1158201444",
			expectedStatus: http.StatusOK,
			expectedBody:   "1158201444",
		},
		{
			name:           "wrong token",
			target:         "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "not a subscription",
			target:         "/webhooks/whatsapp",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown provider",
			target:         "/webhooks/telegram?hub.mode=subscribe",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.NoError(t, err)

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedBody != "" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.expectedBody, string(body))
			}
		})
	}
}

func TestReceiver_EnqueuesEveryEventOnce(t *testing.T) {
	t.Parallel()

	broker := queue.NewMemoryBroker()
	manager := queue.NewManager(broker, log.Discard())
	t.Cleanup(func() { _ = manager.Close() })

	app, rec := setupReceiver(t, manager)
	signature := meta.Sign(appSecret, []byte(whatsappDelivery))

	status, body := deliver(t, app, whatsappDelivery, signature)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "received", body)

	status, _ = deliver(t, app, whatsappDelivery, signature)
	require.Equal(t, http.StatusOK, status)

	pending := broker.Pending(events.WebhookQueue)
	require.Len(t, pending, 2)
	assert.Equal(t, "whatsapp:wamid.1", pending[0].ID)
	assert.Equal(t, "whatsapp:wamid.2", pending[1].ID)

	var job events.WebhookJob
	require.NoError(t, pending[0].Decode(&job))
	assert.Equal(t, "Hello", job.Event.Text())
	assert.Equal(t, "PNID", job.Event.ChannelID)

	assert.Equal(t, []string{"whatsapp/received", "whatsapp/received"}, rec.all())
}

func TestReceiver_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		body            string
		signature       string
		expectedStatus  int
		expectedOutcome string
	}{
		{
			name:            "missing signature",
			body:            whatsappDelivery,
			expectedStatus:  http.StatusBadRequest,
			expectedOutcome: "whatsapp/invalid_signature",
		},
		{
			name:            "signature of another body",
			body:            whatsappDelivery,
			signature:       meta.Sign(appSecret, []byte(`{}`)),
			expectedStatus:  http.StatusBadRequest,
			expectedOutcome: "whatsapp/invalid_signature",
		},
		{
			name:            "malformed payload",
			body:            "not json",
			signature:       meta.Sign(appSecret, []byte("not json")),
			expectedStatus:  http.StatusBadRequest,
			expectedOutcome: "whatsapp/malformed_payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := &mocks.MockEnqueuer{}
			app, rec := setupReceiver(t, q)

			status, body := deliver(t, app, tt.body, tt.signature)
			assert.Equal(t, tt.expectedStatus, status, body)
			assert.Contains(t, body, strings.TrimPrefix(tt.expectedOutcome, "whatsapp/"))
			assert.Equal(t, []string{tt.expectedOutcome}, rec.all())

			q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestReceiver_EnqueueFailureAsksForRetry(t *testing.T) {
	t.Parallel()

	q := &mocks.MockEnqueuer{}
	q.On("Enqueue", mock.Anything, events.WebhookQueue, mock.Anything, mock.Anything).
		Return("", errors.New("redis: connection refused")).Once()

	app, rec := setupReceiver(t, q)

	status, body := deliver(t, app, whatsappDelivery, meta.Sign(appSecret, []byte(whatsappDelivery)))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body, "enqueue_failed")
	assert.Equal(t, []string{"whatsapp/enqueue_failed"}, rec.all())

	q.AssertExpectations(t)
}
