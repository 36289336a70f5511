package workflow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/queue"
	"github.com/dukex/courier/pkg/template"
)

// dispatchJob is a node job to enqueue once the run is saved.
type dispatchJob struct {
	nodeID  string
	queue   string
	id      string
	payload json.RawMessage
	policy  queue.Policy

	// again marks a job dispatched before; it is skipped once its outcome is recorded.
	again bool
}

// record is a domain event to publish once the run is saved.
type record struct {
	key   string
	event events.Event
}

type plan struct {
	save    bool
	records []record
	jobs    []dispatchJob
}

// advancer applies one change to a run and collects its consequences.
type advancer struct {
	engine   *Engine
	logger   *slog.Logger
	run      *models.Run
	workflow *models.Workflow
	now      time.Time
	plan     *plan
}

func (e *Engine) advancer(run *models.Run, workflow *models.Workflow) *advancer {
	return &advancer{
		engine:   e,
		logger:   e.logger.With("run_id", run.ID, "workflow_id", run.WorkflowID),
		run:      run,
		workflow: workflow,
		now:      e.now().UTC(),
		plan:     &plan{},
	}
}

func eventKey(kind events.EventType, parts ...string) string {
	return string(kind) + ":" + strings.Join(parts, ":")
}

func (a *advancer) record(key string, event events.Event) {
	a.plan.records = append(a.plan.records, record{key: key, event: event})
}

// begin starts a pending run, or brings a redelivered trigger up to date.
func (e *Engine) begin(run *models.Run, workflow *models.Workflow) (*plan, error) {
	a := e.advancer(run, workflow)

	switch run.Status {
	case models.RunStatusPending:
		if err := a.start(); err != nil {
			return nil, err
		}
	case models.RunStatusRunning:
		a.redispatch()
	default:
		a.terminal()
	}

	return a.plan, nil
}

func (e *Engine) complete(completed events.NodeCompleted) mutation {
	return func(run *models.Run, workflow *models.Workflow) (*plan, error) {
		a := e.advancer(run, workflow)

		if run.IsTerminal() {
			a.discard(completed.NodeID, events.NodeCompletedEvent)
			a.terminal()

			return a.plan, nil
		}

		state, ok := run.Node(completed.NodeID)

		switch {
		case !ok || (completed.JobID != "" && completed.JobID != state.JobID):
			a.logger.Warn("completion for a node that was not dispatched", "node_id", completed.NodeID, "job_id", completed.JobID)
			a.discard(completed.NodeID, events.NodeCompletedEvent)
		case state.Status.IsSettled():
			a.redispatch()
		default:
			run.Settle(completed.NodeID, models.NodeRunCompleted, completed.Output, "", a.now)
			a.plan.save = true
			a.advance([]string{completed.NodeID})
		}

		return a.plan, nil
	}
}

func (e *Engine) failure(failed events.NodeFailed) mutation {
	return func(run *models.Run, workflow *models.Workflow) (*plan, error) {
		a := e.advancer(run, workflow)

		if run.IsTerminal() {
			a.discard(failed.NodeID, events.NodeFailedEvent)
			a.terminal()

			return a.plan, nil
		}

		state, ok := run.Node(failed.NodeID)

		switch {
		case !ok || (failed.JobID != "" && failed.JobID != state.JobID):
			a.logger.Warn("failure for a node that was not dispatched", "node_id", failed.NodeID, "job_id", failed.JobID)
			a.discard(failed.NodeID, events.NodeFailedEvent)
		case state.Status.IsSettled():
			a.redispatch()
		default:
			a.fail(failed.NodeID, &NodeError{NodeID: failed.NodeID, Err: errors.New(failed.Error)})
		}

		return a.plan, nil
	}
}

// start settles the matched trigger node with the trigger event and skips the
// other trigger nodes, then dispatches everything reachable.
func (a *advancer) start() error {
	if err := a.run.Transition(models.RunStatusRunning, a.now); err != nil {
		return err
	}

	a.plan.save = true
	a.record(eventKey(events.RunStartedEvent, a.run.ID), events.RunStarted{
		WorkflowID:      a.run.WorkflowID,
		WorkflowVersion: a.run.WorkflowVersion,
	})

	a.run.Settle(a.run.TriggerNodeID, models.NodeRunCompleted, a.run.TriggerEvent.AsMap(), "", a.now)
	settled := []string{a.run.TriggerNodeID}

	for _, node := range a.workflow.TriggerNodes() {
		if node.ID == a.run.TriggerNodeID {
			continue
		}

		a.skip(node.ID)
		settled = append(settled, node.ID)
	}

	a.advance(settled)

	return nil
}

func (a *advancer) cancel(reason string) error {
	a.run.Error = reason

	if err := a.run.Transition(models.RunStatusCancelled, a.now); err != nil {
		return err
	}

	a.plan.save = true
	a.record(eventKey(events.RunCancelledEvent, a.run.ID), events.RunCancelled{WorkflowID: a.run.WorkflowID, Reason: reason})

	return nil
}

// advance propagates newly settled nodes, failing the run on a node error and
// completing it once nothing is left in flight.
func (a *advancer) advance(settled []string) {
	if err := a.propagate(settled); err != nil {
		var nodeErr *NodeError

		nodeID := ""
		if errors.As(err, &nodeErr) {
			nodeID = nodeErr.NodeID
		}

		a.fail(nodeID, err)

		return
	}

	if a.run.Status == models.RunStatusRunning && len(a.run.CurrentNodeIDs) == 0 {
		_ = a.run.Transition(models.RunStatusCompleted, a.now)
		a.record(eventKey(events.RunCompletedEvent, a.run.ID), events.RunCompleted{WorkflowID: a.run.WorkflowID})
	}
}

// propagate decides the outgoing edges of every settled node breadth-first and
// settles or dispatches the targets that became ready.
func (a *advancer) propagate(settled []string) error {
	pending := slices.Clone(settled)

	for len(pending) > 0 {
		nodeID := pending[0]
		pending = pending[1:]

		state, _ := a.run.Node(nodeID)
		outgoing := a.workflow.Outgoing(nodeID)

		for _, edge := range outgoing {
			if _, decided := a.run.Edges[edge.ID]; decided {
				continue
			}

			live, err := a.traverse(edge, state)
			if err != nil {
				return err
			}

			if live {
				a.run.Edges[edge.ID] = models.EdgeLive
			} else {
				a.run.Edges[edge.ID] = models.EdgeDead
			}
		}

		for _, edge := range outgoing {
			if _, reached := a.run.Node(edge.Target); reached {
				continue
			}

			switch a.readiness(edge.Target) {
			case waiting:
			case unreachable:
				a.skip(edge.Target)
				pending = append(pending, edge.Target)
			case ready:
				inline, err := a.dispatch(edge.Target)
				if err != nil {
					return err
				}

				if inline {
					pending = append(pending, edge.Target)
				}
			}
		}
	}

	return nil
}

// traverse reports whether edge carries execution. Edges out of skipped nodes are dead.
func (a *advancer) traverse(edge *models.Edge, source *models.NodeState) (bool, error) {
	if source == nil || source.Status != models.NodeRunCompleted {
		return false, nil
	}

	live, err := template.EvaluateCondition(edge.Condition, a.context(source.Output).Data())
	if err != nil {
		return false, nodeErrorf(edge.Source, "condition of edge %s: %w", edge.ID, err)
	}

	return live, nil
}

type readiness int

const (
	waiting readiness = iota
	ready
	unreachable
)

// readiness of a join: ready once every incoming edge is decided and one is live.
func (a *advancer) readiness(nodeID string) readiness {
	live := false

	for _, edge := range a.workflow.Incoming(nodeID) {
		state, decided := a.run.Edges[edge.ID]
		if !decided {
			return waiting
		}

		if state == models.EdgeLive {
			live = true
		}
	}

	if live {
		return ready
	}

	return unreachable
}

// lastOutput is the output of the most recently settled live predecessor.
func (a *advancer) lastOutput(nodeID string) any {
	var (
		last   map[string]any
		lastAt time.Time
	)

	for _, edge := range a.workflow.Incoming(nodeID) {
		if a.run.Edges[edge.ID] != models.EdgeLive {
			continue
		}

		state, ok := a.run.Node(edge.Source)
		if !ok || state.SettledAt == nil {
			continue
		}

		if last == nil || state.SettledAt.After(lastAt) {
			last = state.Output
			lastAt = *state.SettledAt
		}
	}

	return last
}

func (a *advancer) context(last any) template.Context {
	return template.Context{
		RunID:     a.run.ID,
		Trigger:   a.run.TriggerEvent.AsMap(),
		Nodes:     a.run.Outputs(),
		Last:      last,
		Variables: a.workflow.Variables,
	}
}

func (a *advancer) skip(nodeID string) {
	a.run.Settle(nodeID, models.NodeRunSkipped, nil, "", a.now)
	a.plan.save = true
	a.record(eventKey(events.NodeSkippedEvent, a.run.ID, nodeID), events.NodeSkipped{NodeID: nodeID})
}

// fail settles nodeID as failed and the run with it. Work planned by the same
// change is dropped.
func (a *advancer) fail(nodeID string, cause error) {
	if nodeID != "" {
		if state, ok := a.run.Node(nodeID); !ok || !state.Status.IsSettled() {
			a.run.Settle(nodeID, models.NodeRunFailed, nil, cause.Error(), a.now)
		}
	}

	a.run.Error = cause.Error()
	_ = a.run.Transition(models.RunStatusFailed, a.now)

	a.plan.save = true
	a.plan.jobs = nil
	a.plan.records = slices.DeleteFunc(a.plan.records, func(r record) bool {
		return r.event.GetType() == events.NodeDispatchedEvent
	})

	a.logger.Warn("run failed", "node_id", nodeID, "error", cause)
	a.record(eventKey(events.RunFailedEvent, a.run.ID), events.RunFailed{
		WorkflowID: a.run.WorkflowID,
		NodeID:     nodeID,
		Error:      cause.Error(),
	})
}

// redispatch enqueues again every node still in flight. Job ids are
// deterministic, so a job that is still queued is not duplicated, and execute
// skips a job whose outcome is already recorded.
func (a *advancer) redispatch() {
	for _, nodeID := range a.run.CurrentNodeIDs {
		state, _ := a.run.Node(nodeID)
		node, _ := a.workflow.Node(nodeID)

		a.enqueue(node, nodeID, state)
		a.plan.jobs[len(a.plan.jobs)-1].again = true
	}
}

func (a *advancer) enqueue(node *models.Node, nodeID string, state *models.NodeState) {
	a.plan.jobs = append(a.plan.jobs, dispatchJob{
		nodeID:  nodeID,
		queue:   state.Queue,
		id:      state.JobID,
		payload: state.Payload,
		policy:  a.engine.nodePolicy(node),
	})

	dispatched := events.NodeDispatched{NodeID: nodeID, Queue: state.Queue, JobID: state.JobID}
	if node != nil {
		dispatched.NodeType = node.Type
	}

	a.record(eventKey(events.NodeDispatchedEvent, state.JobID), dispatched)
}

// terminal publishes the terminal event of a settled run again; a copy lost
// between saving and publishing is recovered this way.
func (a *advancer) terminal() {
	switch a.run.Status {
	case models.RunStatusCompleted:
		a.record(eventKey(events.RunCompletedEvent, a.run.ID), events.RunCompleted{WorkflowID: a.run.WorkflowID})
	case models.RunStatusFailed:
		a.record(eventKey(events.RunFailedEvent, a.run.ID), events.RunFailed{WorkflowID: a.run.WorkflowID, Error: a.run.Error})
	case models.RunStatusCancelled:
		a.record(eventKey(events.RunCancelledEvent, a.run.ID), events.RunCancelled{WorkflowID: a.run.WorkflowID, Reason: a.run.Error})
	}
}

func (a *advancer) discard(nodeID string, kind events.EventType) {
	a.logger.Info("completion discarded", "node_id", nodeID, "kind", kind, "run_status", a.run.Status)
	a.record(eventKey(events.CompletionDiscardedEvent, a.run.ID, nodeID, string(kind)), events.CompletionDiscarded{
		NodeID:    nodeID,
		Kind:      kind,
		RunStatus: a.run.Status,
	})
}
