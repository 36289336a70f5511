package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/otelhelper"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDeliveryTimeout = 30 * time.Second
	maxResponseBody        = 1 << 20
)

var ErrDeliveryRejected = errors.New("delivery rejected")

// DeliveryWorker performs the HTTP calls of integration and webhook action nodes.
type DeliveryWorker struct {
	client *http.Client
	bus    Publisher
	tracer trace.Tracer
	logger *slog.Logger
}

type DeliveryOption func(*DeliveryWorker)

func WithHTTPClient(client *http.Client) DeliveryOption {
	return func(w *DeliveryWorker) {
		w.client = client
	}
}

func WithDeliveryTracer(tracer trace.Tracer) DeliveryOption {
	return func(w *DeliveryWorker) {
		w.tracer = tracer
	}
}

func NewDeliveryWorker(bus Publisher, logger *slog.Logger, opts ...DeliveryOption) *DeliveryWorker {
	w := &DeliveryWorker{
		client: &http.Client{Timeout: defaultDeliveryTimeout},
		bus:    bus,
		tracer: otelhelper.Noop(),
		logger: logger.With("module", "delivery_worker"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Handle sends the job body as JSON. Network errors, 429 and 5xx answers are
// retried; any other non-2xx answer dead-letters the job.
func (w *DeliveryWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload events.DeliveryJob
	if err := job.Decode(&payload); err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "delivery.send",
		attribute.String(otelhelper.RunIDKey, payload.RunID),
		attribute.String(otelhelper.NodeIDKey, payload.NodeID),
		attribute.String(otelhelper.JobIDKey, job.ID),
	)
	defer span.End()

	logger := w.logger.With("run_id", payload.RunID, "node_id", payload.NodeID, "url", payload.URL)

	done, err := alreadyCompleted(ctx, w.bus, payload.NodeRef, job.ID)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if done {
		logger.InfoContext(ctx, "delivery already recorded", "job_id", job.ID)

		return nil
	}

	output, err := w.send(ctx, payload)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "delivery failed", "attempt", job.Attempts+1, "error", err)

		return err
	}

	logger.InfoContext(ctx, "delivery succeeded", "status", output["status"])

	return complete(ctx, w.bus, payload.NodeRef, job.ID, output)
}

func (w *DeliveryWorker) send(ctx context.Context, payload events.DeliveryJob) (map[string]any, error) {
	body, err := json.Marshal(payload.Body)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("failed to marshal delivery body: %w", err))
	}

	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, payload.URL, bytes.NewReader(body))
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("failed to create delivery request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range payload.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, queue.Transient(fmt.Errorf("delivery request failed: %w", err))
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, queue.Transient(fmt.Errorf("failed to read delivery response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rejected := fmt.Errorf("%w: status %d: %s", ErrDeliveryRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
		if providers.RetryableStatus(resp.StatusCode) {
			return nil, queue.Transient(rejected)
		}

		return nil, queue.Permanent(rejected)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   decodeBody(raw, resp.Header.Get("Content-Type")),
	}, nil
}

// decodeBody returns JSON bodies decoded and anything else as text.
func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}

	if strings.Contains(contentType, "json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}

	return string(raw)
}
