package cmd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/facebook"
	"github.com/dukex/courier/pkg/providers/instagram"
	"github.com/dukex/courier/pkg/providers/meta"
	"github.com/dukex/courier/pkg/providers/slack"
	"github.com/dukex/courier/pkg/providers/whatsapp"
)

const providerHTTPTimeout = 15 * time.Second

// NewProviders registers the adapter and the sender of every channel whose
// secret is configured.
func NewProviders(cfg providers.Config, logger *slog.Logger) *providers.Registry {
	registry := providers.NewRegistry()
	httpClient := &http.Client{Timeout: providerHTTPTimeout}
	graph := meta.NewGraphClient(cfg.GraphURL, httpClient)

	if cfg.WhatsApp.Enabled() {
		registry.Register(whatsapp.New(cfg.WhatsApp))
		registry.RegisterSender(models.ProviderWhatsApp, whatsapp.NewSender(graph, cfg.WhatsApp))
	}

	if cfg.Instagram.Enabled() {
		registry.Register(instagram.New(cfg.Instagram))
		registry.RegisterSender(models.ProviderInstagram, instagram.NewSender(graph, cfg.Instagram))
	}

	if cfg.Facebook.Enabled() {
		registry.Register(facebook.New(cfg.Facebook))
		registry.RegisterSender(models.ProviderFacebook, facebook.NewSender(graph, cfg.Facebook))
	}

	if cfg.Slack.Enabled() {
		registry.Register(slack.New(cfg.Slack))
		registry.RegisterSender(models.ProviderSlack, slack.NewSender(cfg.Slack, httpClient))
	}

	logger.Info("providers configured", "providers", registry.Providers())

	return registry
}
