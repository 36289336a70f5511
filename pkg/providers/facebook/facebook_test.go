package facebook

import (
	"net/http"
	"testing"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delivery = `{
  "object": "page",
  "entry": [{
    "id": "PAGE_ID",
    "time": 1700000000000,
    "messaging": [
      {"sender": {"id": "PSID"}, "recipient": {"id": "PAGE_ID"}, "timestamp": 1700000000000,
       "message": {"mid": "m_text", "text": "Hello"}},
      {"sender": {"id": "PSID"}, "recipient": {"id": "PAGE_ID"}, "timestamp": 1700000001000,
       "message": {"mid": "m_quick", "text": "Yes", "quick_reply": {"payload": "CONFIRM"}}},
      {"sender": {"id": "PSID"}, "recipient": {"id": "PAGE_ID"}, "timestamp": 1700000002000,
       "postback": {"mid": "m_postback", "title": "Get Started", "payload": "GET_STARTED"}},
      {"sender": {"id": "PSID"}, "recipient": {"id": "PAGE_ID"}, "timestamp": 1700000003000,
       "delivery": {"mids": ["m_out1", "m_out2"], "watermark": 1700000003000}},
      {"sender": {"id": "PSID"}, "recipient": {"id": "PAGE_ID"}, "timestamp": 1700000004000,
       "read": {"watermark": 1700000004000}},
      {"sender": {"id": "PAGE_ID"}, "recipient": {"id": "PSID"}, "timestamp": 1700000005000,
       "message": {"mid": "m_echo", "text": "our reply", "is_echo": true}},
      {"sender": {"id": "PSID"}, "recipient": {"id": "PAGE_ID"}, "timestamp": 1700000006000,
       "referral": {"ref": "campaign"}}
    ]
  }]
}`

func TestNormalize_MessagingTypes(t *testing.T) {
	t.Parallel()

	adapter := New(providers.MetaConfig{AppSecret: "secret"})

	events, err := adapter.Normalize([]byte(delivery))
	require.NoError(t, err)

	collected := providers.Collect(events)
	require.Len(t, collected, 7)

	assert.Equal(t, models.EventTypeMessage, collected[0].EventType)
	assert.Equal(t, "m_text", collected[0].ExternalMessageID)
	assert.Equal(t, "Hello", collected[0].Text())
	assert.Equal(t, "PSID", collected[0].SenderID)
	assert.Equal(t, "PAGE_ID", collected[0].ChannelID)
	assert.Equal(t, int64(1700000000), collected[0].Timestamp.Unix())

	assert.Equal(t, models.EventTypeQuickReply, collected[1].EventType)
	assert.Equal(t, "CONFIRM", collected[1].Payload["quick_reply"])

	assert.Equal(t, models.EventTypePostback, collected[2].EventType)
	assert.Equal(t, "GET_STARTED", collected[2].Payload["postback"])

	assert.Equal(t, models.EventTypeDelivery, collected[3].EventType)
	assert.Equal(t, "m_out1:delivery", collected[3].ExternalMessageID)
	assert.Equal(t, "m_out2:delivery", collected[4].ExternalMessageID)

	assert.Equal(t, models.EventTypeRead, collected[5].EventType)
	assert.Equal(t, "read:PSID:1700000004000", collected[5].ExternalMessageID)

	assert.Equal(t, models.EventTypeUnknown, collected[6].EventType)
	assert.Contains(t, collected[6].ExternalMessageID, "unknown:")
	assert.NotNil(t, collected[6].Payload["raw"])
}

func TestNormalize_Malformed(t *testing.T) {
	t.Parallel()

	adapter := New(providers.MetaConfig{})

	_, err := adapter.Normalize([]byte(`{"object":`))
	require.ErrorIs(t, err, providers.ErrMalformedPayload)

	_, err = adapter.Normalize([]byte(`{"object":"instagram","entry":[]}`))
	require.ErrorIs(t, err, providers.ErrMalformedPayload)
}

func TestNormalize_StopsEarly(t *testing.T) {
	t.Parallel()

	events, err := New(providers.MetaConfig{}).Normalize([]byte(delivery))
	require.NoError(t, err)

	count := 0
	for range events {
		count++
		if count == 2 {
			break
		}
	}

	assert.Equal(t, 2, count)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	adapter := New(providers.MetaConfig{AppSecret: "secret"})
	body := []byte(delivery)

	header := http.Header{}
	header.Set(meta.SignatureHeader, meta.Sign("secret", body))
	require.NoError(t, adapter.Verify(header, body))

	header.Set(meta.SignatureHeader, meta.Sign("secret", []byte("tampered")))
	require.ErrorIs(t, adapter.Verify(header, body), providers.ErrInvalidSignature)
}
