// Package providers defines the contract every messaging channel adapter
// implements and the registry the webhook receiver dispatches through.
package providers

import (
	"context"
	"iter"
	"net/http"
	"net/url"

	"github.com/dukex/courier/pkg/models"
)

// Adapter verifies and normalizes raw webhook deliveries of one provider.
// Implementations are pure transforms.
type Adapter interface {
	Provider() models.Provider

	// Verify checks the request signature and returns ErrInvalidSignature on mismatch.
	Verify(header http.Header, body []byte) error

	// Challenge answers a subscription handshake sent over GET.
	Challenge(query url.Values) (string, error)

	// Handshake answers verification requests sent over POST. ok is false for
	// regular deliveries.
	Handshake(body []byte) (response string, ok bool)

	// Normalize decodes body into canonical events. It fails with ErrMalformedPayload
	// only when the envelope itself cannot be decoded; unrecognized events are
	// yielded with EventTypeUnknown.
	Normalize(body []byte) (iter.Seq[models.CanonicalInboundEvent], error)
}

// Sender delivers an outbound message through a provider API.
type Sender interface {
	Send(ctx context.Context, message models.OutboundMessage) error
}

type SenderFunc func(ctx context.Context, message models.OutboundMessage) error

func (f SenderFunc) Send(ctx context.Context, message models.OutboundMessage) error {
	return f(ctx, message)
}

// Collect drains a normalized sequence.
func Collect(events iter.Seq[models.CanonicalInboundEvent]) []models.CanonicalInboundEvent {
	collected := make([]models.CanonicalInboundEvent, 0)

	for event := range events {
		collected = append(collected, event)
	}

	return collected
}
