// Package facebook adapts Facebook Messenger page webhooks.
package facebook

import (
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/meta"
)

const object = "page"

var matchers = []providers.Matcher[*meta.Messaging]{
	{Type: models.EventTypePostback, Match: meta.HasPostback},
	{Type: models.EventTypeQuickReply, Match: meta.HasQuickReply},
	{Type: models.EventTypeMessage, Match: meta.HasText},
	{Type: models.EventTypeDelivery, Match: meta.HasDelivery},
	{Type: models.EventTypeRead, Match: meta.HasRead},
}

func New(cfg providers.MetaConfig) *meta.MessengerAdapter {
	return meta.NewMessengerAdapter(models.ProviderFacebook, object, cfg, matchers)
}

func NewSender(graph *meta.GraphClient, cfg providers.MetaConfig) *meta.MessengerSender {
	return meta.NewMessengerSender(graph, models.ProviderFacebook, cfg.AccessToken)
}
