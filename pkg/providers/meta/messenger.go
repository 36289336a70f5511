package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
)

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

type participant struct {
	ID string `json:"id"`
}

type quickReply struct {
	Payload string `json:"payload"`
}

type message struct {
	MID         string           `json:"mid"`
	Text        string           `json:"text"`
	IsEcho      bool             `json:"is_echo"`
	IsDeleted   bool             `json:"is_deleted"`
	QuickReply  *quickReply      `json:"quick_reply"`
	Attachments []map[string]any `json:"attachments"`
}

type postback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type delivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

type read struct {
	MID       string `json:"mid"`
	Watermark int64  `json:"watermark"`
}

// Messaging is one element of entry[].messaging[].
type Messaging struct {
	Sender    participant `json:"sender"`
	Recipient participant `json:"recipient"`
	Timestamp int64       `json:"timestamp"`
	Message   *message    `json:"message"`
	Postback  *postback   `json:"postback"`
	Delivery  *delivery   `json:"delivery"`
	Read      *read       `json:"read"`
}

func (m *Messaging) IsEcho() bool {
	return m.Message != nil && m.Message.IsEcho
}

func HasText(m *Messaging) bool {
	return m.Message != nil && !m.Message.IsDeleted && (m.Message.Text != "" || len(m.Message.Attachments) > 0)
}

func HasQuickReply(m *Messaging) bool {
	return m.Message != nil && m.Message.QuickReply != nil
}

func HasPostback(m *Messaging) bool { return m.Postback != nil }
func HasDelivery(m *Messaging) bool { return m.Delivery != nil }
func HasRead(m *Messaging) bool     { return m.Read != nil }

// MessengerAdapter implements providers.Adapter for Messenger-platform webhooks
// (object "page" or "instagram").
type MessengerAdapter struct {
	provider    models.Provider
	object      string
	appSecret   string
	verifyToken string
	matchers    []providers.Matcher[*Messaging]
}

func NewMessengerAdapter(provider models.Provider, object string, cfg providers.MetaConfig, matchers []providers.Matcher[*Messaging]) *MessengerAdapter {
	return &MessengerAdapter{
		provider:    provider,
		object:      object,
		appSecret:   cfg.AppSecret,
		verifyToken: cfg.VerifyToken,
		matchers:    matchers,
	}
}

func (a *MessengerAdapter) Provider() models.Provider {
	return a.provider
}

func (a *MessengerAdapter) Verify(header http.Header, body []byte) error {
	return VerifySignature(header, body, a.appSecret)
}

func (a *MessengerAdapter) Challenge(query url.Values) (string, error) {
	return Challenge(query, a.verifyToken)
}

func (a *MessengerAdapter) Handshake([]byte) (string, bool) {
	return "", false
}

func (a *MessengerAdapter) Normalize(body []byte) (iter.Seq[models.CanonicalInboundEvent], error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, providers.Malformed(a.provider, err)
	}

	if env.Object != a.object {
		return nil, providers.Malformed(a.provider, fmt.Errorf("unexpected object %q", env.Object))
	}

	return func(yield func(models.CanonicalInboundEvent) bool) {
		for _, e := range env.Entry {
			for _, raw := range e.Messaging {
				for _, event := range a.events(e, raw) {
					if !yield(event) {
						return
					}
				}
			}
		}
	}, nil
}

func (a *MessengerAdapter) events(e entry, raw json.RawMessage) []models.CanonicalInboundEvent {
	var m Messaging
	if err := json.Unmarshal(raw, &m); err != nil {
		return []models.CanonicalInboundEvent{a.unknown(e, raw, "")}
	}

	if m.IsEcho() {
		return nil
	}

	base := models.CanonicalInboundEvent{
		Provider:  a.provider,
		ChannelID: m.Recipient.ID,
		SenderID:  m.Sender.ID,
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
	}

	eventType := providers.Resolve(a.matchers, &m)

	switch eventType {
	case models.EventTypeQuickReply:
		base.ExternalMessageID = m.Message.MID
		base.Payload = map[string]any{"text": m.Message.Text, "quick_reply": m.Message.QuickReply.Payload}
	case models.EventTypeMessage:
		base.ExternalMessageID = m.Message.MID
		base.Payload = map[string]any{"text": m.Message.Text}

		if len(m.Message.Attachments) > 0 {
			base.Payload["attachments"] = m.Message.Attachments
		}
	case models.EventTypePostback:
		base.ExternalMessageID = m.Postback.MID
		if base.ExternalMessageID == "" {
			base.ExternalMessageID = "postback:" + m.Sender.ID + ":" + strconv.FormatInt(m.Timestamp, 10)
		}

		base.Payload = map[string]any{"text": m.Postback.Title, "postback": m.Postback.Payload}
	case models.EventTypeDelivery:
		events := make([]models.CanonicalInboundEvent, 0, len(m.Delivery.MIDs))

		for _, mid := range m.Delivery.MIDs {
			event := base
			event.EventType = models.EventTypeDelivery
			event.ExternalMessageID = mid + ":delivery"
			event.Payload = map[string]any{"mid": mid, "watermark": m.Delivery.Watermark}
			events = append(events, event)
		}

		return events
	case models.EventTypeRead:
		base.ExternalMessageID = "read:" + m.Sender.ID + ":" + strconv.FormatInt(m.Read.Watermark, 10)
		if m.Read.MID != "" {
			base.ExternalMessageID = m.Read.MID + ":read"
		}

		base.Payload = map[string]any{"mid": m.Read.MID, "watermark": m.Read.Watermark}
	default:
		return []models.CanonicalInboundEvent{a.unknown(e, raw, m.Sender.ID)}
	}

	base.EventType = eventType

	return []models.CanonicalInboundEvent{base}
}

func (a *MessengerAdapter) unknown(e entry, raw json.RawMessage, senderID string) models.CanonicalInboundEvent {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = map[string]any{"raw": string(raw)}
	}

	return models.CanonicalInboundEvent{
		Provider:          a.provider,
		ExternalMessageID: UnknownID(raw),
		ChannelID:         e.ID,
		SenderID:          senderID,
		Timestamp:         time.UnixMilli(e.Time).UTC(),
		EventType:         models.EventTypeUnknown,
		Payload:           map[string]any{"raw": payload},
	}
}

// UnknownID derives a stable id for events that carry no message id, so a
// redelivery still deduplicates.
func UnknownID(raw []byte) string {
	sum := sha256.Sum256(raw)

	return "unknown:" + hex.EncodeToString(sum[:16])
}
