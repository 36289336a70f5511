package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dukex/courier/pkg/agent"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/scheduler"
	"github.com/dukex/courier/pkg/services"
	"github.com/dukex/courier/pkg/web"
	"github.com/dukex/courier/pkg/workers"
	"github.com/dukex/courier/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

const deliveryTimeout = 30 * time.Second

// NewWorkers binds every job queue to its worker, sized from WorkerFlags.
func NewWorkers(rt *Runtime, command *cli.Command, sender providers.Sender) *workers.Manager {
	manager := workers.NewManager(rt.Queue, rt.Logger)

	manager.Register(events.WebhookQueue, int(command.Int("webhook-concurrency")),
		workers.NewWebhookWorker(rt.Engine, rt.Logger).Handle)
	manager.Register(events.AgentRequestQueue, int(command.Int("agent-concurrency")),
		workers.NewAgentWorker(agent.NewClient(command.String("agent-url"), nil), rt.Queue, rt.Logger).Handle)
	manager.Register(events.AgentResponseQueue, int(command.Int("response-concurrency")),
		workers.NewResponseWorker(rt.Bus, rt.Logger).Handle)
	manager.Register(events.OutboundQueue, int(command.Int("outbound-concurrency")),
		workers.NewOutboundWorker(sender, rt.Bus, rt.Logger).Handle)
	manager.Register(events.WebhookDeliveryQueue, int(command.Int("delivery-concurrency")),
		workers.NewDeliveryWorker(rt.Bus, rt.Logger,
			workers.WithHTTPClient(&http.Client{Timeout: deliveryTimeout}),
			workers.WithDeliveryTracer(rt.Tracer)).Handle)

	return manager
}

// StartProcessing starts the engine, the dead-letter bridge and the workers.
// The returned function stops them in reverse order.
func StartProcessing(ctx context.Context, rt *Runtime, manager *workers.Manager) (func(), error) {
	if err := rt.Engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	bridge, err := rt.Bus.BridgeQueue(ctx, rt.Queue)
	if err != nil {
		rt.Engine.Stop()

		return nil, err
	}

	if err := manager.Start(ctx); err != nil {
		bridge.Cancel()
		rt.Engine.Stop()

		return nil, err
	}

	rt.Logger.InfoContext(ctx, "workers started", "queues", manager.Queues())

	return func() {
		manager.Stop()
		bridge.Cancel()
		rt.Engine.Stop()
	}, nil
}

// NewAPI builds the management API app and imports the definitions of
// --workflows-dir when set.
func NewAPI(ctx context.Context, rt *Runtime, command *cli.Command) (*fiber.App, error) {
	nodeRegistry, err := registry.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load node schemas: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	workflows := services.NewWorkflow(rt.Persistence, nodeRegistry, validate, rt.Logger)

	if dir := command.String("workflows-dir"); dir != "" {
		definitions, err := workflow.LoadDefinitions(dir)
		if err != nil {
			return nil, err
		}

		if err := workflows.Import(ctx, definitions); err != nil {
			return nil, fmt.Errorf("failed to import workflow definitions: %w", err)
		}

		rt.Logger.InfoContext(ctx, "workflow definitions imported", "dir", dir, "count", len(definitions))
	}

	handlers := web.NewAPIHandlers(
		workflows,
		services.NewQuery(rt.Persistence),
		services.NewRun(rt.Engine),
		validate,
		web.WithHealthCheck("queue", rt.Queue),
	)

	return web.NewAPIApp(handlers, web.WithMetricsHandler(rt.MetricsHandler()), web.WithRequestLog()), nil
}

// NewReceiver builds the webhook receiver app over the enabled providers.
func NewReceiver(rt *Runtime, registry *providers.Registry) *fiber.App {
	receiver := web.NewReceiver(registry, rt.Queue, rt.Logger, web.WithDeliveryRecorder(rt.Metrics))

	return web.NewReceiverApp(receiver, web.WithMetricsHandler(rt.MetricsHandler()))
}

// NewScheduler builds the schedule ticker over the runtime's engine.
func NewScheduler(rt *Runtime, command *cli.Command) *scheduler.Scheduler {
	return scheduler.New(rt.Persistence.Schedules(), rt.Engine, rt.Logger,
		scheduler.WithInterval(command.Duration("tick-interval")),
		scheduler.WithMetrics(rt.Metrics))
}

// ServeStatus serves /metrics and the probes on --metrics-port until ctx is
// done. A zero port disables it.
func ServeStatus(ctx context.Context, rt *Runtime, command *cli.Command) error {
	port := int(command.Int("metrics-port"))
	if port == 0 {
		return nil
	}

	return Serve(ctx, web.NewStatusApp(web.WithMetricsHandler(rt.MetricsHandler())), port, rt.Logger)
}
