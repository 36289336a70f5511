// Package workflow drives runs of workflow graphs: it matches inbound events to
// trigger nodes, advances runs on node completion events and dispatches node work
// onto the job queues.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/otelhelper"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultNodeTimeout = 30 * time.Second
	DefaultConcurrency = 10

	maxUpdateAttempts = 10
)

// Metrics receives run lifecycle counts.
type Metrics interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status models.RunStatus)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string)                    {}
func (noopMetrics) RunFinished(string, models.RunStatus) {}

// Engine is safe for concurrent use; every run update is a compare-and-swap on
// the run revision.
type Engine struct {
	workflows   persistence.WorkflowQueries
	runs        persistence.RunRepository
	bus         *eventbus.Bus
	queue       queue.Queue
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     Metrics
	now         func() time.Time
	policy      queue.Policy
	concurrency int

	mu            sync.Mutex
	versions      map[string]*models.Workflow
	subscriptions []*eventbus.Subscription
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithNodeTimeout bounds a single attempt of a dispatched node job.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.policy.Timeout = d
		}
	}
}

// WithPolicy sets the base delivery policy of node jobs. Nodes may override
// max_attempts and timeout in their data.
func WithPolicy(policy queue.Policy) Option {
	return func(e *Engine) {
		e.policy = policy.WithDefaults()
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithConcurrency sets how many completion events are handled at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func NewEngine(
	workflows persistence.WorkflowQueries,
	runs persistence.RunRepository,
	bus *eventbus.Bus,
	q queue.Queue,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	policy := queue.DefaultPolicy()
	policy.Timeout = DefaultNodeTimeout

	e := &Engine{
		workflows:   workflows,
		runs:        runs,
		bus:         bus,
		queue:       q,
		logger:      logger.With("module", "workflow_engine"),
		tracer:      otelhelper.Noop(),
		metrics:     noopMetrics{},
		now:         time.Now,
		policy:      policy,
		concurrency: DefaultConcurrency,
		versions:    map[string]*models.Workflow{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Trigger starts a run for every active workflow with a trigger node matching
// event. Redelivering the same event resumes the existing runs instead of
// creating new ones.
func (e *Engine) Trigger(ctx context.Context, event models.CanonicalInboundEvent) ([]*models.Run, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.trigger",
		attribute.String(otelhelper.ProviderKey, string(event.Provider)),
		attribute.String(otelhelper.ExternalIDKey, event.ExternalMessageID),
	)
	defer span.End()

	workflows, err := e.workflows.ListWorkflows(ctx, persistence.WorkflowFilter{Status: models.WorkflowStatusActive})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	var (
		runs []*models.Run
		errs []error
	)

	for _, workflow := range workflows {
		node := e.matchTrigger(workflow, event)
		if node == nil {
			continue
		}

		run, err := e.start(ctx, workflow, node, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", workflow.ID, err))

			continue
		}

		runs = append(runs, run)
	}

	if err := errors.Join(errs...); err != nil {
		otelhelper.SetError(span, err)

		return runs, err
	}

	if len(runs) == 0 {
		skipped := events.TriggerSkipped{
			Provider:          event.Provider,
			ExternalMessageID: event.ExternalMessageID,
			Reason:            "no matching workflow",
		}

		if _, err := e.bus.PublishOnce(ctx, "", eventKey(events.TriggerSkippedEvent, event.DedupKey()), skipped); err != nil {
			return nil, err
		}

		e.logger.DebugContext(ctx, "no workflow matched event", "provider", event.Provider, "external_message_id", event.ExternalMessageID)
	}

	return runs, nil
}

// TriggerNode fires one trigger node of an active workflow, as the scheduler does.
func (e *Engine) TriggerNode(ctx context.Context, workflowID, nodeID string, event models.CanonicalInboundEvent) (*models.Run, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.trigger_node",
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.NodeIDKey, nodeID),
		attribute.String(otelhelper.ExternalIDKey, event.ExternalMessageID),
	)
	defer span.End()

	workflow, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if !workflow.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowInactive, workflowID, workflow.Status)
	}

	node, ok := workflow.Node(nodeID)
	if !ok || node.Type != models.NodeTypeTrigger {
		return nil, fmt.Errorf("%w: %s in workflow %s", ErrTriggerNotFound, nodeID, workflowID)
	}

	run, err := e.start(ctx, workflow, node, event)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return run, nil
}

func (e *Engine) start(ctx context.Context, workflow *models.Workflow, node *models.Node, event models.CanonicalInboundEvent) (*models.Run, error) {
	runID := RunID(workflow.ID, event.Provider, event.ExternalMessageID)
	logger := e.logger.With("run_id", runID, "workflow_id", workflow.ID)

	e.remember(workflow)

	received := events.TriggerReceived{
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		NodeID:          node.ID,
		Event:           event,
	}

	inserted, err := e.bus.PublishOnce(ctx, runID, TriggerKey(runID), received)
	if err != nil {
		return nil, err
	}

	if !inserted {
		logger.InfoContext(ctx, "trigger already recorded", "external_message_id", event.ExternalMessageID)
	}

	err = e.runs.CreateRun(ctx, models.NewRun(runID, workflow, node.ID, event, e.now().UTC()))
	if err != nil && !errors.Is(err, persistence.ErrRunExists) {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return e.update(ctx, runID, e.begin)
}

// Cancel moves a pending or running run to cancelled. Jobs already in flight
// finish, but their completions are discarded.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	return e.update(ctx, runID, func(run *models.Run, workflow *models.Workflow) (*plan, error) {
		if run.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, run.ID, run.Status)
		}

		a := e.advancer(run, workflow)
		if err := a.cancel(reason); err != nil {
			return nil, err
		}

		return a.plan, nil
	})
}

// HandleNodeCompleted applies a node completion to its run.
func (e *Engine) HandleNodeCompleted(ctx context.Context, completed events.NodeCompleted) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.node_completed",
		attribute.String(otelhelper.RunIDKey, completed.RunID),
		attribute.String(otelhelper.NodeIDKey, completed.NodeID),
	)
	defer span.End()

	_, err := e.update(ctx, completed.RunID, e.complete(completed))

	return e.settleError(ctx, span, completed.RunID, err)
}

// HandleNodeFailed fails the run of a node whose job exhausted its attempts.
func (e *Engine) HandleNodeFailed(ctx context.Context, failed events.NodeFailed) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.node_failed",
		attribute.String(otelhelper.RunIDKey, failed.RunID),
		attribute.String(otelhelper.NodeIDKey, failed.NodeID),
	)
	defer span.End()

	_, err := e.update(ctx, failed.RunID, e.failure(failed))

	return e.settleError(ctx, span, failed.RunID, err)
}

func (e *Engine) settleError(ctx context.Context, span trace.Span, runID string, err error) error {
	if err == nil {
		return nil
	}

	if persistence.IsRunNotFound(err) {
		e.logger.WarnContext(ctx, "event for unknown run", "run_id", runID)

		return nil
	}

	otelhelper.SetError(span, err)

	return err
}

// Start subscribes the engine to node completion and failure events.
func (e *Engine) Start(ctx context.Context) error {
	completed, err := e.bus.Subscribe(ctx, events.NodeCompletedEvent, e.concurrency, func(ctx context.Context, event *models.DomainEvent) error {
		var payload events.NodeCompleted
		if err := event.Decode(&payload); err != nil {
			return queue.Permanent(err)
		}

		return e.HandleNodeCompleted(ctx, payload)
	})
	if err != nil {
		return err
	}

	failed, err := e.bus.Subscribe(ctx, events.NodeFailedEvent, e.concurrency, func(ctx context.Context, event *models.DomainEvent) error {
		var payload events.NodeFailed
		if err := event.Decode(&payload); err != nil {
			return queue.Permanent(err)
		}

		return e.HandleNodeFailed(ctx, payload)
	})
	if err != nil {
		completed.Cancel()

		return err
	}

	e.mu.Lock()
	e.subscriptions = append(e.subscriptions, completed, failed)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "engine started", "concurrency", e.concurrency)

	return nil
}

// Stop cancels the subscriptions and waits for in-flight handlers.
func (e *Engine) Stop() {
	e.mu.Lock()
	subscriptions := e.subscriptions
	e.subscriptions = nil
	e.mu.Unlock()

	for _, sub := range subscriptions {
		sub.Cancel()
	}
}

// mutation changes run in place and returns what to persist and publish. A nil
// plan leaves the run untouched.
type mutation func(run *models.Run, workflow *models.Workflow) (*plan, error)

// update applies mutate to the latest revision of a run, retrying on conflicts,
// then publishes the planned events and enqueues the planned jobs.
func (e *Engine) update(ctx context.Context, runID string, mutate mutation) (*models.Run, error) {
	for range maxUpdateAttempts {
		run, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
		}

		workflow, err := e.pinned(ctx, run)
		if err != nil {
			return nil, err
		}

		p, err := mutate(run, workflow)
		if err != nil {
			return nil, err
		}

		if p == nil {
			return run, nil
		}

		if p.save {
			err := e.runs.UpdateRun(ctx, run)
			if persistence.IsRunConflict(err) {
				e.logger.DebugContext(ctx, "run changed concurrently, retrying", "run_id", runID)

				continue
			}

			if err != nil {
				return nil, fmt.Errorf("failed to save run %s: %w", runID, err)
			}
		}

		return run, e.execute(ctx, run, p)
	}

	return nil, fmt.Errorf("%w: %s", ErrConflictRetries, runID)
}

// execute publishes before enqueueing so node.dispatched precedes the node's
// completion in the store.
func (e *Engine) execute(ctx context.Context, run *models.Run, p *plan) error {
	for _, r := range p.records {
		inserted, err := e.bus.PublishOnce(ctx, run.ID, r.key, r.event)
		if err != nil {
			return err
		}

		if inserted {
			e.observe(run, r.event)
		}
	}

	for _, job := range p.jobs {
		if job.again {
			settled, err := e.outcomeRecorded(ctx, run.ID, job.id)
			if err != nil {
				return err
			}

			if settled {
				e.logger.DebugContext(ctx, "node outcome already recorded, not dispatching again", "run_id", run.ID, "node_id", job.nodeID, "job_id", job.id)

				continue
			}
		}

		jobCtx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.dispatch",
			attribute.String(otelhelper.RunIDKey, run.ID),
			attribute.String(otelhelper.NodeIDKey, job.nodeID),
			attribute.String(otelhelper.QueueKey, job.queue),
			attribute.String(otelhelper.JobIDKey, job.id),
		)

		_, err := e.queue.Enqueue(jobCtx, job.queue, job.payload, job.policy, queue.WithJobID(job.id))
		if err != nil {
			otelhelper.SetError(span, err)
			span.End()

			return fmt.Errorf("failed to dispatch node %s of run %s: %w", job.nodeID, run.ID, err)
		}

		span.End()
		e.logger.DebugContext(ctx, "node dispatched", "run_id", run.ID, "node_id", job.nodeID, "queue", job.queue)
	}

	return nil
}

// outcomeRecorded reports whether the completion or failure of jobID is in the
// store. A recorded outcome is delivered again so the run applies it.
func (e *Engine) outcomeRecorded(ctx context.Context, runID, jobID string) (bool, error) {
	for _, key := range []string{eventbus.NodeCompletedKey(jobID), eventbus.NodeFailedKey(jobID)} {
		found, err := e.bus.Redeliver(ctx, runID, key)
		if err != nil {
			return false, err
		}

		if found {
			return true, nil
		}
	}

	return false, nil
}

func (e *Engine) observe(run *models.Run, event events.Event) {
	switch event.GetType() {
	case events.RunStartedEvent:
		e.metrics.RunStarted(run.WorkflowID)
	case events.RunCompletedEvent, events.RunFailedEvent, events.RunCancelledEvent:
		e.metrics.RunFinished(run.WorkflowID, run.Status)
		e.logger.Info("run finished", "run_id", run.ID, "workflow_id", run.WorkflowID, "status", run.Status)
	}
}

func versionKey(workflowID string, version int) string {
	return fmt.Sprintf("%s@%d", workflowID, version)
}

// remember caches a workflow version; versions are immutable once saved.
func (e *Engine) remember(workflow *models.Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.versions[versionKey(workflow.ID, workflow.Version)] = workflow
}

// pinned returns the workflow version a run started with.
func (e *Engine) pinned(ctx context.Context, run *models.Run) (*models.Workflow, error) {
	key := versionKey(run.WorkflowID, run.WorkflowVersion)

	e.mu.Lock()
	workflow, ok := e.versions[key]
	e.mu.Unlock()

	if ok {
		return workflow, nil
	}

	workflow, err := e.workflows.GetWorkflowVersion(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s version %d: %w", run.WorkflowID, run.WorkflowVersion, err)
	}

	e.remember(workflow)

	return workflow, nil
}
