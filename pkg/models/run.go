package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// RunStatus is the state of one workflow execution.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// ErrInvalidTransition is returned when a run status change is not allowed.
var ErrInvalidTransition = errors.New("invalid run status transition")

// NodeRunStatus tracks a single node within a run.
type NodeRunStatus string

const (
	NodeRunDispatched NodeRunStatus = "dispatched"
	NodeRunCompleted  NodeRunStatus = "completed"
	NodeRunFailed     NodeRunStatus = "failed"
	NodeRunSkipped    NodeRunStatus = "skipped"
)

// IsSettled reports whether the node will not change again.
func (s NodeRunStatus) IsSettled() bool {
	return s == NodeRunCompleted || s == NodeRunFailed || s == NodeRunSkipped
}

// EdgeState records the runtime decision taken on an edge.
type EdgeState string

const (
	EdgeLive EdgeState = "live"
	EdgeDead EdgeState = "dead"
)

// NodeState is the per-node progress record inside a run.
type NodeState struct {
	Status       NodeRunStatus   `json:"status"`
	JobID        string          `json:"job_id,omitempty"`
	Queue        string          `json:"queue,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Output       map[string]any  `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
}

// Run is one execution of a pinned workflow version. Revision is bumped on every
// save and used for optimistic concurrency by repositories.
type Run struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion int                   `json:"workflow_version"`
	TriggerNodeID   string                `json:"trigger_node_id"`
	TriggerEvent    CanonicalInboundEvent `json:"trigger_event"`
	Status          RunStatus             `json:"status"`
	CurrentNodeIDs  []string              `json:"current_node_ids"`
	Nodes           map[string]*NodeState `json:"nodes"`
	Edges           map[string]EdgeState  `json:"edges"`
	Error           string                `json:"error,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	EndedAt         *time.Time            `json:"ended_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Revision        int64                 `json:"revision"`
}

// NewRun creates a pending run for the given workflow version and trigger.
func NewRun(id string, workflow *Workflow, triggerNodeID string, event CanonicalInboundEvent, now time.Time) *Run {
	return &Run{
		ID:              id,
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TriggerNodeID:   triggerNodeID,
		TriggerEvent:    event,
		Status:          RunStatusPending,
		CurrentNodeIDs:  []string{},
		Nodes:           map[string]*NodeState{},
		Edges:           map[string]EdgeState{},
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Transition moves the run to status, enforcing the state machine.
func (r *Run) Transition(status RunStatus, now time.Time) error {
	if !slices.Contains(runTransitions[r.Status], status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}

	r.Status = status
	r.UpdatedAt = now

	if status.IsTerminal() {
		ended := now
		r.EndedAt = &ended
		r.CurrentNodeIDs = []string{}
	}

	return nil
}

// Node returns the state of nodeID, if the run has reached it.
func (r *Run) Node(nodeID string) (*NodeState, bool) {
	state, ok := r.Nodes[nodeID]

	return state, ok
}

// MarkDispatched records that a job was handed off for nodeID. payload is kept so
// the job can be enqueued again after a crash.
func (r *Run) MarkDispatched(nodeID, queue, jobID string, payload json.RawMessage, now time.Time) {
	at := now
	r.Nodes[nodeID] = &NodeState{Status: NodeRunDispatched, Queue: queue, JobID: jobID, Payload: payload, DispatchedAt: &at}
	r.refreshCurrent()
}

// Settle records the final status of nodeID.
func (r *Run) Settle(nodeID string, status NodeRunStatus, output map[string]any, errMsg string, now time.Time) {
	state, ok := r.Nodes[nodeID]
	if !ok {
		state = &NodeState{}
		r.Nodes[nodeID] = state
	}

	at := now
	state.Status = status
	state.Output = output
	state.Error = errMsg
	state.SettledAt = &at
	r.refreshCurrent()
}

// Outputs returns the completed node outputs keyed by node id.
func (r *Run) Outputs() map[string]any {
	outputs := make(map[string]any, len(r.Nodes))

	for id, state := range r.Nodes {
		if state.Status == NodeRunCompleted {
			outputs[id] = state.Output
		}
	}

	return outputs
}

func (r *Run) refreshCurrent() {
	current := make([]string, 0)

	for _, id := range slices.Sorted(maps.Keys(r.Nodes)) {
		if r.Nodes[id].Status == NodeRunDispatched {
			current = append(current, id)
		}
	}

	r.CurrentNodeIDs = current
}

// Clone returns a deep copy of the run state so callers may mutate it freely.
func (r *Run) Clone() *Run {
	clone := *r
	clone.CurrentNodeIDs = slices.Clone(r.CurrentNodeIDs)
	clone.Edges = maps.Clone(r.Edges)

	clone.Nodes = make(map[string]*NodeState, len(r.Nodes))
	for id, state := range r.Nodes {
		copied := *state
		clone.Nodes[id] = &copied
	}

	if r.EndedAt != nil {
		ended := *r.EndedAt
		clone.EndedAt = &ended
	}

	return &clone
}
