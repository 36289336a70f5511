// Package whatsapp adapts WhatsApp Cloud API webhooks and replies.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/meta"
)

const object = "whatsapp_business_account"

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value value  `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type value struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type text struct {
	Body string `json:"body"`
}

type button struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type interactive struct {
	Type        string `json:"type"`
	ButtonReply *reply `json:"button_reply"`
	ListReply   *reply `json:"list_reply"`
}

// Message is one element of value.messages[].
type Message struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *text        `json:"text"`
	Button      *button      `json:"button"`
	Interactive *interactive `json:"interactive"`
}

// Status is one element of value.statuses[].
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

var mediaTypes = map[string]bool{
	"image": true, "audio": true, "video": true, "document": true, "sticker": true, "location": true,
}

var messageMatchers = []providers.Matcher[*Message]{
	{Type: models.EventTypeQuickReply, Match: func(m *Message) bool {
		return m.Interactive != nil && (m.Interactive.ButtonReply != nil || m.Interactive.ListReply != nil)
	}},
	{Type: models.EventTypeQuickReply, Match: func(m *Message) bool { return m.Button != nil }},
	{Type: models.EventTypeMessage, Match: func(m *Message) bool { return m.Type == "text" && m.Text != nil }},
	{Type: models.EventTypeMessage, Match: func(m *Message) bool { return mediaTypes[m.Type] }},
}

var statusMatchers = []providers.Matcher[*Status]{
	{Type: models.EventTypeDelivery, Match: func(s *Status) bool { return s.Status == "delivered" }},
	{Type: models.EventTypeRead, Match: func(s *Status) bool { return s.Status == "read" }},
}

type Adapter struct {
	appSecret   string
	verifyToken string
}

func New(cfg providers.WhatsAppConfig) *Adapter {
	return &Adapter{appSecret: cfg.AppSecret, verifyToken: cfg.VerifyToken}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderWhatsApp
}

func (a *Adapter) Verify(header http.Header, body []byte) error {
	return meta.VerifySignature(header, body, a.appSecret)
}

func (a *Adapter) Challenge(query url.Values) (string, error) {
	return meta.Challenge(query, a.verifyToken)
}

func (a *Adapter) Handshake([]byte) (string, bool) {
	return "", false
}

func (a *Adapter) Normalize(body []byte) (iter.Seq[models.CanonicalInboundEvent], error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, providers.Malformed(models.ProviderWhatsApp, err)
	}

	if env.Object != object {
		return nil, providers.Malformed(models.ProviderWhatsApp, fmt.Errorf("unexpected object %q", env.Object))
	}

	return func(yield func(models.CanonicalInboundEvent) bool) {
		for _, e := range env.Entry {
			for _, change := range e.Changes {
				names := contactNames(change.Value)

				for _, raw := range change.Value.Messages {
					if !yield(normalizeMessage(change.Value.Metadata.PhoneNumberID, names, raw)) {
						return
					}
				}

				for _, raw := range change.Value.Statuses {
					if !yield(normalizeStatus(change.Value.Metadata.PhoneNumberID, raw)) {
						return
					}
				}
			}
		}
	}, nil
}

func contactNames(v value) map[string]string {
	names := make(map[string]string, len(v.Contacts))
	for _, contact := range v.Contacts {
		names[contact.WaID] = contact.Profile.Name
	}

	return names
}

func parseTimestamp(ts string) time.Time {
	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.Unix(seconds, 0).UTC()
}

func rawPayload(raw json.RawMessage) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{"raw": string(raw)}
	}

	return map[string]any{"raw": decoded}
}

func normalizeMessage(phoneNumberID string, names map[string]string, raw json.RawMessage) models.CanonicalInboundEvent {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
		return models.CanonicalInboundEvent{
			Provider:          models.ProviderWhatsApp,
			ExternalMessageID: meta.UnknownID(raw),
			ChannelID:         phoneNumberID,
			EventType:         models.EventTypeUnknown,
			Payload:           rawPayload(raw),
		}
	}

	event := models.CanonicalInboundEvent{
		Provider:          models.ProviderWhatsApp,
		ExternalMessageID: m.ID,
		ChannelID:         phoneNumberID,
		SenderID:          m.From,
		Timestamp:         parseTimestamp(m.Timestamp),
		EventType:         providers.Resolve(messageMatchers, &m),
	}

	switch {
	case event.EventType == models.EventTypeUnknown:
		event.Payload = rawPayload(raw)
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		event.Payload = map[string]any{"text": m.Interactive.ButtonReply.Title, "quick_reply": m.Interactive.ButtonReply.ID}
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		event.Payload = map[string]any{"text": m.Interactive.ListReply.Title, "quick_reply": m.Interactive.ListReply.ID}
	case m.Button != nil:
		event.Payload = map[string]any{"text": m.Button.Text, "quick_reply": m.Button.Payload}
	case m.Text != nil:
		event.Payload = map[string]any{"text": m.Text.Body}
	default:
		event.Payload = rawPayload(raw)
		event.Payload["media_type"] = m.Type
	}

	event.Payload["type"] = m.Type
	if name := names[m.From]; name != "" {
		event.Payload["contact_name"] = name
	}

	return event
}

func normalizeStatus(phoneNumberID string, raw json.RawMessage) models.CanonicalInboundEvent {
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" {
		return models.CanonicalInboundEvent{
			Provider:          models.ProviderWhatsApp,
			ExternalMessageID: meta.UnknownID(raw),
			ChannelID:         phoneNumberID,
			EventType:         models.EventTypeUnknown,
			Payload:           rawPayload(raw),
		}
	}

	event := models.CanonicalInboundEvent{
		Provider:          models.ProviderWhatsApp,
		ExternalMessageID: s.ID + ":" + s.Status,
		ChannelID:         phoneNumberID,
		SenderID:          s.RecipientID,
		Timestamp:         parseTimestamp(s.Timestamp),
		EventType:         providers.Resolve(statusMatchers, &s),
		Payload:           map[string]any{"message_id": s.ID, "status": s.Status},
	}

	if event.EventType == models.EventTypeUnknown {
		event.Payload = rawPayload(raw)
	}

	return event
}

// Sender replies through the Cloud API messages endpoint of a phone number.
type Sender struct {
	graph         *meta.GraphClient
	token         string
	phoneNumberID string
}

func NewSender(graph *meta.GraphClient, cfg providers.WhatsAppConfig) *Sender {
	return &Sender{graph: graph, token: cfg.AccessToken, phoneNumberID: cfg.PhoneNumberID}
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

// Send uses message.ChannelID as the sending phone number id when set.
func (s *Sender) Send(ctx context.Context, message models.OutboundMessage) error {
	phoneNumberID := message.ChannelID
	if phoneNumberID == "" {
		phoneNumberID = s.phoneNumberID
	}

	if phoneNumberID == "" {
		return &providers.SendError{Provider: models.ProviderWhatsApp, Message: "no phone number id", Err: providers.ErrSenderNotConfigured}
	}

	return s.graph.Post(ctx, models.ProviderWhatsApp, "/"+phoneNumberID+"/messages", s.token, sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               message.To,
		Type:             "text",
		Text:             textBody{Body: message.Text},
	})
}
