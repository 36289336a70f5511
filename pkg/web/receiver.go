package web

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/queue"
	"github.com/gofiber/fiber/v3"
)

// Outcomes recorded per webhook delivery.
const (
	OutcomeReceived         = "received"
	OutcomeHandshake        = "handshake"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeMalformed        = "malformed_payload"
	OutcomeEnqueueFailed    = "enqueue_failed"
)

// Enqueuer is the part of the job queue the receiver uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, policy queue.Policy, opts ...queue.EnqueueOption) (string, error)
}

// DeliveryRecorder counts webhook deliveries per provider and outcome.
type DeliveryRecorder interface {
	WebhookReceived(provider, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) WebhookReceived(string, string) {}

// Receiver accepts provider webhooks, verifies and normalizes them and hands
// every canonical event to the webhook queue. It never triggers workflows
// itself, so a provider only ever sees accept or reject.
type Receiver struct {
	providers *providers.Registry
	queue     Enqueuer
	policy    queue.Policy
	recorder  DeliveryRecorder
	logger    *slog.Logger
}

type ReceiverOption func(*Receiver)

func WithWebhookPolicy(policy queue.Policy) ReceiverOption {
	return func(r *Receiver) {
		r.policy = policy
	}
}

func WithDeliveryRecorder(recorder DeliveryRecorder) ReceiverOption {
	return func(r *Receiver) {
		r.recorder = recorder
	}
}

func NewReceiver(registry *providers.Registry, q Enqueuer, logger *slog.Logger, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		providers: registry,
		queue:     q,
		policy:    queue.DefaultPolicy(),
		recorder:  nopRecorder{},
		logger:    logger.With("module", "webhook_receiver"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Challenge answers GET subscription handshakes.
func (r *Receiver) Challenge(c fiber.Ctx) error {
	adapter, err := r.providers.Adapter(c.Params("provider"))
	if err != nil {
		return notFound(c, err.Error())
	}

	query, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return badRequest(c, "invalid query string")
	}

	challenge, err := adapter.Challenge(query)

	switch {
	case errors.Is(err, providers.ErrChallengeFailed):
		r.logger.WarnContext(c.Context(), "challenge rejected", "provider", adapter.Provider())

		return problem(c, fiber.StatusForbidden, "challenge_failed", err.Error())
	case errors.Is(err, providers.ErrChallengeUnsupported):
		return badRequest(c, err.Error())
	case err != nil:
		return internalError(c, err)
	}

	return c.SendString(challenge)
}

// Receive handles POST deliveries.
func (r *Receiver) Receive(c fiber.Ctx) error {
	adapter, err := r.providers.Adapter(c.Params("provider"))
	if err != nil {
		return notFound(c, err.Error())
	}

	ctx := c.Context()
	provider := string(adapter.Provider())
	body := bytes.Clone(c.Body())

	if err := adapter.Verify(requestHeader(c), body); err != nil {
		r.recorder.WebhookReceived(provider, OutcomeInvalidSignature)
		r.logger.WarnContext(ctx, "webhook signature rejected", "provider", provider, "error", err)

		return problem(c, fiber.StatusBadRequest, OutcomeInvalidSignature, "signature verification failed")
	}

	if response, ok := adapter.Handshake(body); ok {
		r.recorder.WebhookReceived(provider, OutcomeHandshake)

		return c.SendString(response)
	}

	deliveries, err := adapter.Normalize(body)
	if err != nil {
		if errors.Is(err, providers.ErrMalformedPayload) {
			r.recorder.WebhookReceived(provider, OutcomeMalformed)
			r.logger.WarnContext(ctx, "malformed webhook payload", "provider", provider, "error", err)

			return problem(c, fiber.StatusBadRequest, OutcomeMalformed, err.Error())
		}

		return internalError(c, err)
	}

	count := 0

	for event := range deliveries {
		dedupKey := event.DedupKey()

		if _, err := r.queue.Enqueue(ctx, events.WebhookQueue, events.WebhookJob{Event: event}, r.policy, queue.WithJobID(dedupKey)); err != nil {
			r.recorder.WebhookReceived(provider, OutcomeEnqueueFailed)
			r.logger.ErrorContext(ctx, "failed to enqueue webhook event", "provider", provider, "dedup_key", dedupKey, "error", err)

			return problem(c, fiber.StatusServiceUnavailable, OutcomeEnqueueFailed, "event could not be accepted, retry later")
		}

		count++
	}

	r.recorder.WebhookReceived(provider, OutcomeReceived)
	r.logger.DebugContext(ctx, "webhook received", "provider", provider, "events", count)

	return c.SendString("received")
}

func requestHeader(c fiber.Ctx) http.Header {
	header := http.Header{}

	for key, values := range c.GetReqHeaders() {
		for _, value := range values {
			header.Add(key, value)
		}
	}

	return header
}
