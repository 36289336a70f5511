package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/courier/pkg/agent"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() queue.Policy {
	return queue.Policy{
		MaxAttempts: 2,
		Backoff:     queue.Backoff{Kind: queue.BackoffExponential, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Timeout:     time.Second,
	}
}

type harness struct {
	engine  *Engine
	store   *memory.Persistence
	broker  *queue.MemoryBroker
	manager *queue.Manager
	bus     *eventbus.Bus
}

func newHarness(t *testing.T, workflows ...*models.Workflow) *harness {
	t.Helper()

	broker := queue.NewMemoryBroker()
	manager := queue.NewManager(broker, log.Discard(), queue.WithReserveWait(20*time.Millisecond))
	store := memory.NewPersistence()
	bus := eventbus.New(manager, store, log.Discard(),
		eventbus.WithPolicy(fastPolicy()),
		eventbus.WithRoutedKinds(events.NodeCompletedEvent, events.NodeFailedEvent),
	)

	t.Cleanup(func() { _ = manager.Close() })

	for _, workflow := range workflows {
		require.NoError(t, store.CreateWorkflow(context.Background(), workflow))
	}

	return &harness{
		engine:  NewEngine(store, store, bus, manager, log.Discard(), WithPolicy(fastPolicy())),
		store:   store,
		broker:  broker,
		manager: manager,
		bus:     bus,
	}
}

func (h *harness) run(t *testing.T, id string) *models.Run {
	t.Helper()

	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)

	return run
}

func (h *harness) kinds(t *testing.T, runID string) []string {
	t.Helper()

	stored, err := h.store.ByRun(context.Background(), runID)
	require.NoError(t, err)

	kinds := make([]string, len(stored))
	for i, event := range stored {
		kinds[i] = event.Kind
	}

	return kinds
}

func (h *harness) complete(t *testing.T, runID, nodeID string, output map[string]any) {
	t.Helper()

	require.NoError(t, h.engine.HandleNodeCompleted(context.Background(), events.NodeCompleted{
		RunID:  runID,
		NodeID: nodeID,
		JobID:  JobID(runID, nodeID),
		Output: output,
	}))
}

// chatWorkflow is trigger -> agent -> reply.
func chatWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "support",
		Name:   "support bot",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "whatsapp"}},
			{ID: "agent", Type: models.NodeTypeAI},
			{ID: "reply", Type: models.NodeTypeAction, Data: map[string]any{"kind": "reply"}},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "trigger", Target: "agent"},
			{ID: "e2", Source: "agent", Target: "reply"},
		},
	}
}

func hello() models.CanonicalInboundEvent {
	return models.CanonicalInboundEvent{
		Provider:          models.ProviderWhatsApp,
		ExternalMessageID: "wamid.1",
		ChannelID:         "phone-1",
		SenderID:          "5511999999999",
		Timestamp:         time.Unix(1700000000, 0).UTC(),
		EventType:         models.EventTypeMessage,
		Payload:           map[string]any{"text": "Hello"},
	}
}

func TestTrigger_HelloScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, RunID("support", models.ProviderWhatsApp, "wamid.1"), run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, []string{"agent"}, run.CurrentNodeIDs)

	requests := h.broker.Pending(events.AgentRequestQueue)
	require.Len(t, requests, 1)
	assert.Equal(t, JobID(run.ID, "agent"), requests[0].ID)

	var request agent.Request
	require.NoError(t, requests[0].Decode(&request))
	assert.Equal(t, "Hello", request.Input)
	assert.Equal(t, "5511999999999", request.UserID)
	assert.Equal(t, "agent", request.NodeID)

	h.complete(t, run.ID, "agent", map[string]any{"reply": "Hi there"})

	outbound := h.broker.Pending(events.OutboundQueue)
	require.Len(t, outbound, 1)

	var job events.OutboundJob
	require.NoError(t, outbound[0].Decode(&job))
	assert.Equal(t, models.OutboundMessage{To: "5511999999999", Text: "Hi there", Provider: models.ProviderWhatsApp, ChannelID: "phone-1"}, job.Message)
	assert.Equal(t, events.NodeRef{RunID: run.ID, NodeID: "reply"}, job.NodeRef)

	h.complete(t, run.ID, "reply", map[string]any{"sent": true})

	finished := h.run(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
	assert.NotNil(t, finished.EndedAt)
	assert.Empty(t, finished.CurrentNodeIDs)

	assert.Equal(t, []string{
		"trigger.received",
		"run.started",
		"node.dispatched",
		"node.dispatched",
		"run.completed",
	}, h.kinds(t, run.ID))
}

func TestTrigger_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	for range 3 {
		runs, err := h.engine.Trigger(ctx, hello())
		require.NoError(t, err)
		require.Len(t, runs, 1)
	}

	runs, err := h.store.ListRuns(ctx, persistence.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Len(t, h.broker.Pending(events.AgentRequestQueue), 1)

	received, err := h.store.List(ctx, persistence.EventFilter{Kind: string(events.TriggerReceivedEvent)})
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestTrigger_RedeliveryRedispatchesLostJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	// Consume the job without reporting back, as a crashed worker would.
	taken := make(chan struct{}, 1)
	worker, err := h.manager.Consume(ctx, events.AgentRequestQueue, 1, func(context.Context, *queue.Job) error {
		taken <- struct{}{}

		return nil
	})
	require.NoError(t, err)

	select {
	case <-taken:
	case <-time.After(2 * time.Second):
		t.Fatal("agent job not consumed")
	}

	worker.Stop()
	require.Empty(t, h.broker.Pending(events.AgentRequestQueue))

	again, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, runs[0].ID, again[0].ID)

	pending := h.broker.Pending(events.AgentRequestQueue)
	require.Len(t, pending, 1)
	assert.Equal(t, JobID(runs[0].ID, "agent"), pending[0].ID)
}

func TestTrigger_RedeliveryKeepsFinishedJobDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	runID := runs[0].ID
	h.complete(t, runID, "agent", map[string]any{"reply": "Hi"})

	// The reply is sent and its completion recorded, but the engine has not
	// applied it yet.
	sent := make(chan struct{}, 1)
	worker, err := h.manager.Consume(ctx, events.OutboundQueue, 1, func(ctx context.Context, job *queue.Job) error {
		_, err := h.bus.PublishOnce(ctx, runID, eventbus.NodeCompletedKey(job.ID), events.NodeCompleted{
			RunID:  runID,
			NodeID: "reply",
			JobID:  job.ID,
			Output: map[string]any{"sent": true},
		})
		sent <- struct{}{}

		return err
	})
	require.NoError(t, err)

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("outbound job not consumed")
	}

	worker.Stop()
	require.Empty(t, h.broker.Pending(events.OutboundQueue))

	_, err = h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	assert.Empty(t, h.broker.Pending(events.OutboundQueue))
	assert.Len(t, h.broker.Pending(events.Topic(events.NodeCompletedEvent)), 1)

	h.complete(t, runID, "reply", map[string]any{"sent": true})
	assert.Equal(t, models.RunStatusCompleted, h.run(t, runID).Status)
}

func TestTrigger_NoMatchRecordsSkip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	event := hello()
	event.Provider = models.ProviderSlack

	runs, err := h.engine.Trigger(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, runs)

	skipped, err := h.store.List(ctx, persistence.EventFilter{Kind: string(events.TriggerSkippedEvent)})
	require.NoError(t, err)
	assert.Len(t, skipped, 1)
}

func TestTrigger_Matching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  map[string]any
		event func(e *models.CanonicalInboundEvent)
		want  bool
	}{
		{name: "provider matches", data: map[string]any{"provider": "whatsapp"}, want: true},
		{name: "any provider", data: map[string]any{"provider": "any"}, want: true},
		{name: "other provider", data: map[string]any{"provider": "slack"}},
		{name: "schedule trigger ignores inbound events", data: map[string]any{"provider": "schedule"}},
		{name: "delivery receipts ignored by default", data: map[string]any{}, event: func(e *models.CanonicalInboundEvent) { e.EventType = models.EventTypeDelivery }},
		{name: "explicit event types", data: map[string]any{"event_types": []any{"delivery"}}, event: func(e *models.CanonicalInboundEvent) { e.EventType = models.EventTypeDelivery }, want: true},
		{name: "channel mismatch", data: map[string]any{"channel_id": "phone-2"}},
		{name: "match condition true", data: map[string]any{"match": `{{ hasPrefix .trigger.payload.text "He" }}`}, want: true},
		{name: "match condition false", data: map[string]any{"match": `{{ eq .trigger.payload.text "Bye" }}`}},
		{name: "broken match condition", data: map[string]any{"match": `{{ .trigger.payload.text }}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			workflow := &models.Workflow{
				ID:     "wf",
				Status: models.WorkflowStatusActive,
				Nodes:  []*models.Node{{ID: "trigger", Type: models.NodeTypeTrigger, Data: tt.data}},
			}

			event := hello()
			if tt.event != nil {
				tt.event(&event)
			}

			assert.Equal(t, tt.want, h.engine.matchTrigger(workflow, event) != nil)
		})
	}
}

func TestTrigger_PinsWorkflowVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)
	assert.Equal(t, 1, runs[0].WorkflowVersion)

	updated, err := h.store.GetWorkflow(ctx, "support")
	require.NoError(t, err)

	updated.Nodes[2].Data = map[string]any{"kind": "reply", "text": "v2 says {{ .last.reply }}"}
	require.NoError(t, h.store.UpdateWorkflow(ctx, updated))

	h.complete(t, runs[0].ID, "agent", map[string]any{"reply": "hi"})

	var job events.OutboundJob
	require.NoError(t, h.broker.Pending(events.OutboundQueue)[0].Decode(&job))
	assert.Equal(t, "hi", job.Message.Text)
}

func TestNodeFailed_FailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	runID := runs[0].ID

	require.NoError(t, h.engine.HandleNodeFailed(ctx, events.NodeFailed{
		RunID:    runID,
		NodeID:   "agent",
		JobID:    JobID(runID, "agent"),
		Attempts: 3,
		Error:    "agent service returned HTTP 503",
	}))

	run := h.run(t, runID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "HTTP 503")
	assert.Equal(t, models.NodeRunFailed, run.Nodes["agent"].Status)

	// A late completion of the failed node changes nothing.
	h.complete(t, runID, "agent", map[string]any{"reply": "too late"})

	assert.Equal(t, models.RunStatusFailed, h.run(t, runID).Status)
	assert.Empty(t, h.broker.Pending(events.OutboundQueue))
	assert.Contains(t, h.kinds(t, runID), "completion.discarded")
}

func TestNodeFailed_ExhaustedAgentJobFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	bridge, err := h.bus.BridgeQueue(ctx, h.manager)
	require.NoError(t, err)
	defer bridge.Cancel()

	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	attempts := make(chan struct{}, 10)
	worker, err := h.manager.Consume(ctx, events.AgentRequestQueue, 1, func(context.Context, *queue.Job) error {
		attempts <- struct{}{}

		return errors.New("agent unavailable")
	})
	require.NoError(t, err)
	defer worker.Stop()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	runID := runs[0].ID

	require.Eventually(t, func() bool {
		run, err := h.store.GetRun(ctx, runID)

		return err == nil && run.Status == models.RunStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, attempts, fastPolicy().MaxAttempts)
	assert.Empty(t, h.broker.Pending(events.OutboundQueue))
	assert.Contains(t, h.kinds(t, runID), "run.failed")
	assert.NotContains(t, h.kinds(t, runID), "run.completed")
}

func TestCancel_DiscardsInFlightCompletions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	runID := runs[0].ID

	cancelled, err := h.engine.Cancel(ctx, runID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	h.complete(t, runID, "agent", map[string]any{"reply": "Hi there"})

	run := h.run(t, runID)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Empty(t, h.broker.Pending(events.OutboundQueue))
	assert.Contains(t, h.kinds(t, runID), "completion.discarded")

	_, err = h.engine.Cancel(ctx, runID, "again")
	require.ErrorIs(t, err, ErrRunTerminal)
}

func TestRun_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())
	ctx := context.Background()

	runs, err := h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	runID := runs[0].ID

	h.complete(t, runID, "agent", map[string]any{"reply": "Hi"})
	h.complete(t, runID, "reply", nil)
	require.Equal(t, models.RunStatusCompleted, h.run(t, runID).Status)

	require.NoError(t, h.engine.HandleNodeFailed(ctx, events.NodeFailed{RunID: runID, NodeID: "reply", JobID: JobID(runID, "reply"), Error: "late"}))
	h.complete(t, runID, "reply", nil)

	_, err = h.engine.Cancel(ctx, runID, "")
	require.ErrorIs(t, err, ErrRunTerminal)

	_, err = h.engine.Trigger(ctx, hello())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, h.run(t, runID).Status)

	completed := 0
	for _, kind := range h.kinds(t, runID) {
		if kind == "run.completed" {
			completed++
		}
	}

	assert.Equal(t, 1, completed)
}

func TestCompletion_DuplicateIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())

	runs, err := h.engine.Trigger(context.Background(), hello())
	require.NoError(t, err)

	runID := runs[0].ID

	h.complete(t, runID, "agent", map[string]any{"reply": "Hi"})
	h.complete(t, runID, "agent", map[string]any{"reply": "Hi again"})

	run := h.run(t, runID)
	assert.Equal(t, "Hi", run.Nodes["agent"].Output["reply"])
	assert.Len(t, h.broker.Pending(events.OutboundQueue), 1)
}

// joinWorkflow is trigger -> {lookup, notify} -> reply.
func joinWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "join",
		Name:   "join flow",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger},
			{ID: "lookup", Type: models.NodeTypeIntegration, Data: map[string]any{"url": "https://crm.example.com/lookup"}},
			{ID: "notify", Type: models.NodeTypeAction, Data: map[string]any{"kind": "webhook", "url": "https://hooks.example.com/{{ .trigger.sender_id }}"}},
			{ID: "reply", Type: models.NodeTypeAction, Data: map[string]any{"text": "{{ .nodes.lookup.name }} / {{ .nodes.notify.status }}"}},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "trigger", Target: "lookup"},
			{ID: "e2", Source: "trigger", Target: "notify"},
			{ID: "e3", Source: "lookup", Target: "reply"},
			{ID: "e4", Source: "notify", Target: "reply"},
		},
	}
}

func TestJoin_WaitsForAllPredecessorsInAnyOrder(t *testing.T) {
	t.Parallel()

	orders := [][]string{{"lookup", "notify"}, {"notify", "lookup"}}

	for _, order := range orders {
		t.Run(order[0]+" first", func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, joinWorkflow())

			runs, err := h.engine.Trigger(context.Background(), hello())
			require.NoError(t, err)

			runID := runs[0].ID

			deliveries := h.broker.Pending(events.WebhookDeliveryQueue)
			require.Len(t, deliveries, 2)

			var notify events.DeliveryJob
			for _, job := range deliveries {
				if job.ID == JobID(runID, "notify") {
					require.NoError(t, job.Decode(&notify))
				}
			}

			assert.Equal(t, "https://hooks.example.com/5511999999999", notify.URL)
			assert.Equal(t, "POST", notify.Method)

			outputs := map[string]map[string]any{
				"lookup": {"name": "Ada"},
				"notify": {"status": 202},
			}

			h.complete(t, runID, order[0], outputs[order[0]])
			assert.Empty(t, h.broker.Pending(events.OutboundQueue))
			assert.NotContains(t, h.run(t, runID).Nodes, "reply")

			h.complete(t, runID, order[1], outputs[order[1]])

			outbound := h.broker.Pending(events.OutboundQueue)
			require.Len(t, outbound, 1)

			var job events.OutboundJob
			require.NoError(t, outbound[0].Decode(&job))
			assert.Equal(t, "Ada / 202", job.Message.Text)
		})
	}
}

// branchWorkflow routes on a logic node: trigger -> check -> {yes, no}.
func branchWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "branch",
		Name:   "branching",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger},
			{ID: "check", Type: models.NodeTypeLogic, Data: map[string]any{
				"condition": `{{ eq (lower .trigger.payload.text) "yes" }}`,
				"output":    map[string]any{"answer": "{{ .trigger.payload.text }}"},
			}},
			{ID: "yes", Type: models.NodeTypeAction, Data: map[string]any{"text": "Great, {{ .nodes.check.answer }}!"}},
			{ID: "no", Type: models.NodeTypeAction, Data: map[string]any{"text": "Maybe later."}},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "trigger", Target: "check"},
			{ID: "e2", Source: "check", Target: "yes", Condition: "{{ .last.result }}"},
			{ID: "e3", Source: "check", Target: "no", Condition: "{{ not .last.result }}"},
		},
	}
}

func TestLogic_DeadBranchIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, branchWorkflow())

	event := hello()
	event.Payload = map[string]any{"text": "Yes"}

	runs, err := h.engine.Trigger(context.Background(), event)
	require.NoError(t, err)

	run := runs[0]
	assert.Equal(t, models.NodeRunCompleted, run.Nodes["check"].Status)
	assert.Equal(t, true, run.Nodes["check"].Output["result"])
	assert.Equal(t, models.NodeRunSkipped, run.Nodes["no"].Status)
	assert.Equal(t, models.EdgeDead, run.Edges["e3"])

	outbound := h.broker.Pending(events.OutboundQueue)
	require.Len(t, outbound, 1)

	var job events.OutboundJob
	require.NoError(t, outbound[0].Decode(&job))
	assert.Equal(t, "Great, Yes!", job.Message.Text)

	h.complete(t, run.ID, "yes", nil)
	assert.Equal(t, models.RunStatusCompleted, h.run(t, run.ID).Status)
	assert.Contains(t, h.kinds(t, run.ID), "node.skipped")
	assert.Contains(t, h.kinds(t, run.ID), "node.evaluated")
}

func TestLogic_OnlyPathCompletesInline(t *testing.T) {
	t.Parallel()

	workflow := &models.Workflow{
		ID:     "inline",
		Name:   "inline",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger},
			{ID: "check", Type: models.NodeTypeLogic, Data: map[string]any{"condition": "false"}},
			{ID: "reply", Type: models.NodeTypeAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "trigger", Target: "check"},
			{ID: "e2", Source: "check", Target: "reply", Condition: "{{ .last.result }}"},
		},
	}

	h := newHarness(t, workflow)

	runs, err := h.engine.Trigger(context.Background(), hello())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, models.NodeRunSkipped, runs[0].Nodes["reply"].Status)
	assert.Empty(t, h.broker.Pending(events.OutboundQueue))
}

func TestDispatch_NodeErrorFailsRun(t *testing.T) {
	t.Parallel()

	workflow := chatWorkflow()
	workflow.Nodes[2].Data = map[string]any{"kind": "sms"}

	h := newHarness(t, workflow)

	runs, err := h.engine.Trigger(context.Background(), hello())
	require.NoError(t, err)

	h.complete(t, runs[0].ID, "agent", map[string]any{"reply": "Hi"})

	run := h.run(t, runs[0].ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, `unknown action kind "sms"`)
	assert.Empty(t, h.broker.Pending(events.OutboundQueue))
}

func TestDispatch_EmptyReplyFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, chatWorkflow())

	runs, err := h.engine.Trigger(context.Background(), hello())
	require.NoError(t, err)

	h.complete(t, runs[0].ID, "agent", map[string]any{"reply": ""})

	run := h.run(t, runs[0].ID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.NodeRunFailed, run.Nodes["reply"].Status)
}

func TestDispatch_ChatHistoryCarriesEarlierTurns(t *testing.T) {
	t.Parallel()

	workflow := &models.Workflow{
		ID:     "two-agents",
		Name:   "two agents",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger},
			{ID: "first", Type: models.NodeTypeAI},
			{ID: "second", Type: models.NodeTypeAI, Data: map[string]any{
				"prompt":       "Summarize: {{ .nodes.first.reply }}",
				"max_attempts": 5,
			}},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "trigger", Target: "first"},
			{ID: "e2", Source: "first", Target: "second"},
		},
	}

	h := newHarness(t, workflow)

	runs, err := h.engine.Trigger(context.Background(), hello())
	require.NoError(t, err)

	h.complete(t, runs[0].ID, "first", map[string]any{"reply": "Hi!"})

	var second *queue.Job
	for _, job := range h.broker.Pending(events.AgentRequestQueue) {
		if job.ID == JobID(runs[0].ID, "second") {
			second = job
		}
	}

	require.NotNil(t, second)
	assert.Equal(t, 5, second.MaxAttempts)

	var request agent.Request
	require.NoError(t, second.Decode(&request))
	assert.Equal(t, "Summarize: Hi!", request.Input)
	assert.Equal(t, []agent.Message{{Role: "user", Content: "Hello"}, {Role: "assistant", Content: "Hi!"}}, request.ChatHistory)
}

func TestTriggerNode(t *testing.T) {
	t.Parallel()

	workflow := chatWorkflow()
	workflow.Nodes = append(workflow.Nodes, &models.Node{ID: "daily", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "schedule", "schedule": "0 9 * * *"}})
	workflow.Nodes[2].Data = map[string]any{"to": "{{ .variables.owner }}", "provider": "slack", "channel_id": "C1"}
	workflow.Variables = map[string]any{"owner": "U123"}
	workflow.Edges = append(workflow.Edges, &models.Edge{ID: "e3", Source: "daily", Target: "agent"})

	h := newHarness(t, workflow)
	ctx := context.Background()

	event := models.CanonicalInboundEvent{
		Provider:          models.ProviderSchedule,
		ExternalMessageID: "sched-1-1700000000",
		EventType:         models.EventTypeMessage,
		Timestamp:         time.Unix(1700000000, 0).UTC(),
	}

	run, err := h.engine.TriggerNode(ctx, "support", "daily", event)
	require.NoError(t, err)
	assert.Equal(t, models.NodeRunSkipped, run.Nodes["trigger"].Status)
	assert.Equal(t, models.EdgeDead, run.Edges["e1"])
	assert.Equal(t, []string{"agent"}, run.CurrentNodeIDs)

	h.complete(t, run.ID, "agent", map[string]any{"reply": "Daily digest"})

	var job events.OutboundJob
	require.NoError(t, h.broker.Pending(events.OutboundQueue)[0].Decode(&job))
	assert.Equal(t, models.OutboundMessage{To: "U123", Text: "Daily digest", Provider: models.ProviderSlack, ChannelID: "C1"}, job.Message)

	_, err = h.engine.TriggerNode(ctx, "support", "agent", event)
	require.ErrorIs(t, err, ErrTriggerNotFound)
}

func TestTriggerNode_InactiveWorkflow(t *testing.T) {
	t.Parallel()

	workflow := chatWorkflow()
	workflow.Status = models.WorkflowStatusDraft

	h := newHarness(t, workflow)

	_, err := h.engine.TriggerNode(context.Background(), "support", "trigger", hello())
	require.ErrorIs(t, err, ErrWorkflowInactive)
}

func TestHandleNodeCompleted_UnknownRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	assert.NoError(t, h.engine.HandleNodeCompleted(context.Background(), events.NodeCompleted{RunID: "missing", NodeID: "agent"}))
}

func TestNodeError_Is(t *testing.T) {
	t.Parallel()

	err := nodeErrorf("reply", "text: %w", context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrNodeExecution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "node reply: text: context deadline exceeded", err.Error())
}

func TestRunID_Deterministic(t *testing.T) {
	t.Parallel()

	a := RunID("wf", models.ProviderWhatsApp, "wamid.1")

	assert.Equal(t, a, RunID("wf", models.ProviderWhatsApp, "wamid.1"))
	assert.NotEqual(t, a, RunID("wf", models.ProviderWhatsApp, "wamid.2"))
	assert.NotEqual(t, a, RunID("other", models.ProviderWhatsApp, "wamid.1"))
}
