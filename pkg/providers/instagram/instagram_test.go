package instagram

import (
	"testing"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	body := []byte(`{
	  "object": "instagram",
	  "entry": [{
	    "id": "IG_ACCOUNT",
	    "time": 1700000000000,
	    "messaging": [
	      {"sender": {"id": "IGSID"}, "recipient": {"id": "IG_ACCOUNT"}, "timestamp": 1700000000000,
	       "message": {"mid": "ig_m1", "text": "Oi"}},
	      {"sender": {"id": "IGSID"}, "recipient": {"id": "IG_ACCOUNT"}, "timestamp": 1700000001000,
	       "reaction": {"mid": "ig_m1", "action": "react", "reaction": "love"}},
	      {"sender": {"id": "IGSID"}, "recipient": {"id": "IG_ACCOUNT"}, "timestamp": 1700000002000,
	       "read": {"mid": "ig_out1"}},
	      {"sender": {"id": "IGSID"}, "recipient": {"id": "IG_ACCOUNT"}, "timestamp": 1700000003000,
	       "message": {"mid": "ig_m2", "is_deleted": true}}
	    ]
	  }]
	}`)

	events, err := New(providers.MetaConfig{}).Normalize(body)
	require.NoError(t, err)

	collected := providers.Collect(events)
	require.Len(t, collected, 4)

	assert.Equal(t, models.ProviderInstagram, collected[0].Provider)
	assert.Equal(t, models.EventTypeMessage, collected[0].EventType)
	assert.Equal(t, "Oi", collected[0].Text())

	assert.Equal(t, models.EventTypeUnknown, collected[1].EventType)

	assert.Equal(t, models.EventTypeRead, collected[2].EventType)
	assert.Equal(t, "ig_out1:read", collected[2].ExternalMessageID)

	assert.Equal(t, models.EventTypeUnknown, collected[3].EventType)
}
