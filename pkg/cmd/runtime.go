package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/metrics"
	"github.com/dukex/courier/pkg/otelhelper"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/queue"
	"github.com/dukex/courier/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 10 * time.Second

// Runtime holds the dependencies shared by every courier process.
type Runtime struct {
	Logger      *slog.Logger
	Persistence persistence.Persistence
	Queue       *queue.Manager
	Bus         *eventbus.Bus
	Engine      *workflow.Engine
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer

	closers []func(context.Context) error
}

// NewRuntime builds the runtime from RuntimeFlags. The logger is taken from ctx.
func NewRuntime(ctx context.Context, command *cli.Command, serviceName string) (_ *Runtime, err error) {
	rt := &Runtime{
		Logger:  log.FromContext(ctx).With("service", serviceName),
		Metrics: metrics.New(),
	}

	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName, command.Bool("otel-enabled"))
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	rt.Tracer = tracer
	rt.closers = append(rt.closers, shutdown)

	rt.Persistence, err = NewPersistence(ctx, rt.Logger, command.String("database-url"), command.String("query-database-url"))
	if err != nil {
		return nil, err
	}

	rt.closers = append(rt.closers, rt.Persistence.Close)

	rt.Queue, err = NewQueue(ctx, command.String("queue-url"), serviceName, rt.Logger)
	if err != nil {
		return nil, err
	}

	rt.closers = append(rt.closers, func(context.Context) error { return rt.Queue.Close() })

	observer := rt.Queue.Observe(rt.Metrics.ObserveQueue)
	rt.closers = append(rt.closers, func(context.Context) error {
		observer.Cancel()

		return nil
	})

	rt.Bus = eventbus.New(rt.Queue, rt.Persistence.Events(), rt.Logger,
		eventbus.WithRoutedKinds(events.NodeCompletedEvent, events.NodeFailedEvent))

	engineOpts := []workflow.Option{
		workflow.WithNodeTimeout(command.Duration("node-timeout")),
		workflow.WithTracer(rt.Tracer),
		workflow.WithMetrics(rt.Metrics),
	}

	if command.IsSet("engine-concurrency") {
		engineOpts = append(engineOpts, workflow.WithConcurrency(int(command.Int("engine-concurrency"))))
	}

	rt.Engine = workflow.NewEngine(rt.Persistence.WorkflowQueries(), rt.Persistence.Runs(), rt.Bus, rt.Queue, rt.Logger, engineOpts...)

	return rt, nil
}

// Close releases the runtime in reverse construction order.
func (rt *Runtime) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.Logger.ErrorContext(ctx, "failed to close runtime dependency", "error", err)
		}
	}

	rt.closers = nil
}

// MetricsHandler serves the runtime's metric registry.
func (rt *Runtime) MetricsHandler() http.Handler {
	return rt.Metrics.Handler()
}

// Serve runs app on port until ctx is done, then shuts it down.
func Serve(ctx context.Context, app *fiber.App, port int, logger *slog.Logger) error {
	errCh := make(chan error, 1)

	go func() {
		logger.InfoContext(ctx, "listening", "port", port)
		errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
