package providers_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/providers/facebook"
	"github.com/dukex/courier/pkg/providers/whatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_FirstMatchWins(t *testing.T) {
	t.Parallel()

	matchers := []providers.Matcher[string]{
		{Type: models.EventTypeQuickReply, Match: func(s string) bool { return s == "button" }},
		{Type: models.EventTypeMessage, Match: func(s string) bool { return s != "" }},
		{Type: models.EventTypePostback, Match: func(s string) bool { return s == "button" }},
	}

	assert.Equal(t, models.EventTypeQuickReply, providers.Resolve(matchers, "button"))
	assert.Equal(t, models.EventTypeMessage, providers.Resolve(matchers, "text"))
	assert.Equal(t, models.EventTypeUnknown, providers.Resolve(matchers, ""))
}

func TestRegistry_Adapters(t *testing.T) {
	t.Parallel()

	registry := providers.NewRegistry()
	registry.Register(whatsapp.New(providers.WhatsAppConfig{MetaConfig: providers.MetaConfig{AppSecret: "s"}}))
	registry.Register(facebook.New(providers.MetaConfig{AppSecret: "s"}))

	adapter, err := registry.Adapter("whatsapp")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderWhatsApp, adapter.Provider())

	_, err = registry.Adapter("telegram")
	require.ErrorIs(t, err, providers.ErrUnknownProvider)

	assert.Equal(t, []models.Provider{models.ProviderFacebook, models.ProviderWhatsApp}, registry.Providers())
}

func TestRegistry_SendRoutesByProvider(t *testing.T) {
	t.Parallel()

	var sent []models.OutboundMessage

	registry := providers.NewRegistry()
	registry.RegisterSender(models.ProviderSlack, providers.SenderFunc(func(_ context.Context, m models.OutboundMessage) error {
		sent = append(sent, m)

		return nil
	}))

	require.NoError(t, registry.Send(context.Background(), models.OutboundMessage{Provider: models.ProviderSlack, To: "U1", Text: "hi"}))
	require.ErrorIs(t, registry.Send(context.Background(), models.OutboundMessage{Provider: models.ProviderWhatsApp}), providers.ErrSenderNotConfigured)
	assert.Len(t, sent, 1)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: &providers.SendError{StatusCode: 429, Retryable: true}, want: true},
		{name: "server error", err: &providers.SendError{StatusCode: 502, Retryable: true}, want: true},
		{name: "bad request", err: &providers.SendError{StatusCode: 400}, want: false},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, providers.IsTransient(tt.err))
		})
	}
}

func TestMalformed(t *testing.T) {
	t.Parallel()

	err := providers.Malformed(models.ProviderSlack, errors.New("unexpected EOF"))

	assert.ErrorIs(t, err, providers.ErrMalformedPayload)
	assert.NotErrorIs(t, err, providers.ErrInvalidSignature)
	assert.Contains(t, err.Error(), "slack")
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, providers.RetryableStatus(429))
	assert.True(t, providers.RetryableStatus(500))
	assert.False(t, providers.RetryableStatus(403))
}
