package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signingSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func signedHeader(secret string, body []byte, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + string(body)))

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", ts)
	header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))

	return header
}

const messageEvent = `{
  "token": "tkn",
  "team_id": "T1",
  "api_app_id": "A1",
  "type": "event_callback",
  "event_id": "Ev01",
  "event_time": 1700000000,
  "event": {"type": "message", "channel": "C1", "user": "U1", "text": "Hello", "ts": "1700000000.000100", "channel_type": "im"}
}`

func TestVerify(t *testing.T) {
	t.Parallel()

	adapter := New(providers.SlackConfig{SigningSecret: signingSecret})
	body := []byte(messageEvent)

	require.NoError(t, adapter.Verify(signedHeader(signingSecret, body, time.Now()), body))
	require.ErrorIs(t, adapter.Verify(signedHeader("wrong", body, time.Now()), body), providers.ErrInvalidSignature)
	require.ErrorIs(t, adapter.Verify(signedHeader(signingSecret, body, time.Now().Add(-time.Hour)), body), providers.ErrInvalidSignature)
	require.ErrorIs(t, adapter.Verify(http.Header{}, body), providers.ErrInvalidSignature)
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	adapter := New(providers.SlackConfig{})

	challenge, ok := adapter.Handshake([]byte(`{"token":"t","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P","type":"url_verification"}`))
	assert.True(t, ok)
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", challenge)

	_, ok = adapter.Handshake([]byte(messageEvent))
	assert.False(t, ok)

	_, err := adapter.Challenge(url.Values{})
	assert.ErrorIs(t, err, providers.ErrChallengeUnsupported)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantCount int
		wantType  models.EventType
		wantText  string
	}{
		{name: "direct message", body: messageEvent, wantCount: 1, wantType: models.EventTypeMessage, wantText: "Hello"},
		{
			name:      "app mention",
			body:      `{"type":"event_callback","team_id":"T1","event_id":"Ev02","event_time":1700000000,"event":{"type":"app_mention","channel":"C1","user":"U1","text":"<@B1> help","ts":"1.1"}}`,
			wantCount: 1,
			wantType:  models.EventTypeMessage,
			wantText:  "<@B1> help",
		},
		{
			name:      "bot message is ignored",
			body:      `{"type":"event_callback","team_id":"T1","event_id":"Ev03","event_time":1700000000,"event":{"type":"message","channel":"C1","bot_id":"B1","text":"echo","ts":"1.1"}}`,
			wantCount: 0,
		},
		{
			name:      "edited message is unknown",
			body:      `{"type":"event_callback","team_id":"T1","event_id":"Ev04","event_time":1700000000,"event":{"type":"message","subtype":"message_changed","channel":"C1","ts":"1.1"}}`,
			wantCount: 1,
			wantType:  models.EventTypeUnknown,
		},
		{
			name:      "unmapped inner event is unknown",
			body:      `{"type":"event_callback","team_id":"T1","event_id":"Ev05","event_time":1700000000,"event":{"type":"some_future_event","x":1}}`,
			wantCount: 1,
			wantType:  models.EventTypeUnknown,
		},
		{name: "url verification yields nothing", body: `{"type":"url_verification","challenge":"c"}`, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events, err := New(providers.SlackConfig{}).Normalize([]byte(tt.body))
			require.NoError(t, err)

			collected := providers.Collect(events)
			require.Len(t, collected, tt.wantCount)

			if tt.wantCount == 0 {
				return
			}

			assert.Equal(t, tt.wantType, collected[0].EventType)
			assert.Equal(t, models.ProviderSlack, collected[0].Provider)

			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, collected[0].Text())
				assert.Equal(t, "C1", collected[0].ChannelID)
				assert.Equal(t, "U1", collected[0].SenderID)
			}

			if tt.wantType == models.EventTypeUnknown {
				assert.NotNil(t, collected[0].Payload["raw"])
			}
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	t.Parallel()

	adapter := New(providers.SlackConfig{})

	_, err := adapter.Normalize([]byte(`{"type":`))
	require.ErrorIs(t, err, providers.ErrMalformedPayload)

	_, err = adapter.Normalize([]byte(`{"type":"event_callback","event":{"type":"message"}}`))
	require.ErrorIs(t, err, providers.ErrMalformedPayload)
}

func TestNormalize_BlockAction(t *testing.T) {
	t.Parallel()

	payload := `{"type":"block_actions","trigger_id":"13345224609.738474920.8088930838d88f008e0","action_ts":"1700000000.1",` +
		`"user":{"id":"U1"},"channel":{"id":"C1"},` +
		`"actions":[{"action_id":"confirm","block_id":"b1","type":"button","value":"yes","text":{"type":"plain_text","text":"Yes"}}]}`
	body := []byte("payload=" + url.QueryEscape(payload))

	events, err := New(providers.SlackConfig{}).Normalize(body)
	require.NoError(t, err)

	collected := providers.Collect(events)
	require.Len(t, collected, 1)
	assert.Equal(t, models.EventTypeQuickReply, collected[0].EventType)
	assert.Equal(t, "yes", collected[0].Payload["quick_reply"])
	assert.Equal(t, "Yes", collected[0].Text())
	assert.Equal(t, "C1", collected[0].ChannelID)
	assert.Equal(t, int64(1700000000), collected[0].Timestamp.Unix())
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())

		w.Header().Set("Content-Type", "application/json")

		switch r.FormValue("channel") {
		case "C-down":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "C-missing":
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
		default:
			assert.Equal(t, "Hi", r.FormValue("text"))
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.2"}`))
		}
	}))
	defer server.Close()

	sender := NewSender(providers.SlackConfig{BotToken: "xoxb-test", APIURL: server.URL + "/"}, server.Client())

	require.NoError(t, sender.Send(context.Background(), models.OutboundMessage{To: "U1", ChannelID: "C1", Text: "Hi", Provider: models.ProviderSlack}))

	err := sender.Send(context.Background(), models.OutboundMessage{To: "U1", ChannelID: "C-down", Text: "Hi", Provider: models.ProviderSlack})
	require.Error(t, err)
	assert.True(t, providers.IsTransient(err))

	err = sender.Send(context.Background(), models.OutboundMessage{To: "U1", ChannelID: "C-missing", Text: "Hi", Provider: models.ProviderSlack})
	require.Error(t, err)
	assert.False(t, providers.IsTransient(err))
}
