// Package models defines the domain models shared by the courier components.
package models

import "time"

// Provider identifies the channel an inbound event originated from.
type Provider string

const (
	ProviderWhatsApp  Provider = "whatsapp"
	ProviderInstagram Provider = "instagram"
	ProviderFacebook  Provider = "facebook"
	ProviderSlack     Provider = "slack"
	ProviderSchedule  Provider = "schedule"
)

func (p Provider) String() string {
	return string(p)
}

// EventType is the canonical classification of an inbound event.
type EventType string

const (
	EventTypeMessage    EventType = "message"
	EventTypePostback   EventType = "postback"
	EventTypeDelivery   EventType = "delivery"
	EventTypeRead       EventType = "read"
	EventTypeQuickReply EventType = "quick_reply"
	EventTypeUnknown    EventType = "unknown"
)

// CanonicalInboundEvent is the provider-independent shape of one messaging event.
// ExternalMessageID is the natural deduplication key.
type CanonicalInboundEvent struct {
	Provider          Provider       `json:"provider"            validate:"required"`
	ExternalMessageID string         `json:"external_message_id" validate:"required"`
	ChannelID         string         `json:"channel_id"`
	SenderID          string         `json:"sender_id"`
	Timestamp         time.Time      `json:"timestamp"`
	EventType         EventType      `json:"event_type"          validate:"required"`
	Payload           map[string]any `json:"payload"`
}

// DedupKey returns the key under which the event is recorded as processed.
func (e CanonicalInboundEvent) DedupKey() string {
	return string(e.Provider) + ":" + e.ExternalMessageID
}

// Text returns payload.text when present.
func (e CanonicalInboundEvent) Text() string {
	if e.Payload == nil {
		return ""
	}

	text, _ := e.Payload["text"].(string)

	return text
}

// AsMap exposes the event to templates.
func (e CanonicalInboundEvent) AsMap() map[string]any {
	return map[string]any{
		"provider":            string(e.Provider),
		"external_message_id": e.ExternalMessageID,
		"channel_id":          e.ChannelID,
		"sender_id":           e.SenderID,
		"timestamp":           e.Timestamp,
		"event_type":          string(e.EventType),
		"payload":             e.Payload,
	}
}

// OutboundMessage is a reply to send through a provider channel.
type OutboundMessage struct {
	To        string   `json:"to"         validate:"required"`
	Text      string   `json:"text"       validate:"required"`
	Provider  Provider `json:"provider"   validate:"required"`
	ChannelID string   `json:"channel_id,omitempty"`
}
