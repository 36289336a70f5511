// Package instagram adapts Instagram messaging webhooks.
package instagram

import (
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/meta"
)

const object = "instagram"

// Instagram sends no delivery receipts; reactions and story replies without
// text fall through to unknown.
var matchers = []providers.Matcher[*meta.Messaging]{
	{Type: models.EventTypePostback, Match: meta.HasPostback},
	{Type: models.EventTypeQuickReply, Match: meta.HasQuickReply},
	{Type: models.EventTypeMessage, Match: meta.HasText},
	{Type: models.EventTypeRead, Match: meta.HasRead},
}

func New(cfg providers.MetaConfig) *meta.MessengerAdapter {
	return meta.NewMessengerAdapter(models.ProviderInstagram, object, cfg, matchers)
}

func NewSender(graph *meta.GraphClient, cfg providers.MetaConfig) *meta.MessengerSender {
	return meta.NewMessengerSender(graph, models.ProviderInstagram, cfg.AccessToken)
}
