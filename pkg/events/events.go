// Package events defines domain event kinds, their payloads and the queue job payloads
// exchanged between the receiver, the engine and the workers.
package events

import (
	"github.com/dukex/courier/pkg/models"
)

type EventType string

const (
	// Trigger intake.
	TriggerReceivedEvent EventType = "trigger.received"
	TriggerSkippedEvent  EventType = "trigger.skipped"

	// Run lifecycle.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"

	// Node lifecycle.
	NodeDispatchedEvent EventType = "node.dispatched"
	NodeCompletedEvent  EventType = "node.completed"
	NodeFailedEvent     EventType = "node.failed"
	NodeSkippedEvent    EventType = "node.skipped"
	// NodeEvaluatedEvent records a logic node settled inside the engine.
	NodeEvaluatedEvent EventType = "node.evaluated"

	// CompletionDiscardedEvent records a completion that arrived after its run settled.
	CompletionDiscardedEvent EventType = "completion.discarded"
)

func (t EventType) String() string {
	return string(t)
}

// Event is implemented by every payload published on the bus.
type Event interface {
	GetType() EventType
}

type TriggerReceived struct {
	WorkflowID      string                       `json:"workflow_id"`
	WorkflowVersion int                          `json:"workflow_version"`
	NodeID          string                       `json:"node_id"`
	Event           models.CanonicalInboundEvent `json:"event"`
}

func (TriggerReceived) GetType() EventType { return TriggerReceivedEvent }

type TriggerSkipped struct {
	Provider          models.Provider `json:"provider"`
	ExternalMessageID string          `json:"external_message_id"`
	Reason            string          `json:"reason"`
}

func (TriggerSkipped) GetType() EventType { return TriggerSkippedEvent }

type RunStarted struct {
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`
}

func (RunStarted) GetType() EventType { return RunStartedEvent }

type RunCompleted struct {
	WorkflowID string `json:"workflow_id"`
}

func (RunCompleted) GetType() EventType { return RunCompletedEvent }

type RunFailed struct {
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id,omitempty"`
	Error      string `json:"error"`
}

func (RunFailed) GetType() EventType { return RunFailedEvent }

type RunCancelled struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

func (RunCancelled) GetType() EventType { return RunCancelledEvent }

type NodeDispatched struct {
	NodeID   string          `json:"node_id"`
	NodeType models.NodeType `json:"node_type"`
	Queue    string          `json:"queue"`
	JobID    string          `json:"job_id"`
}

func (NodeDispatched) GetType() EventType { return NodeDispatchedEvent }

// NodeCompleted is published by workers once a node's side effect succeeded.
type NodeCompleted struct {
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	JobID  string         `json:"job_id,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

func (NodeCompleted) GetType() EventType { return NodeCompletedEvent }

// NodeFailed is published when a node job exhausted its retry budget.
type NodeFailed struct {
	RunID    string `json:"run_id"`
	NodeID   string `json:"node_id"`
	JobID    string `json:"job_id,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (NodeFailed) GetType() EventType { return NodeFailedEvent }

type NodeSkipped struct {
	NodeID string `json:"node_id"`
}

func (NodeSkipped) GetType() EventType { return NodeSkippedEvent }

type NodeEvaluated struct {
	NodeID string         `json:"node_id"`
	Output map[string]any `json:"output,omitempty"`
}

func (NodeEvaluated) GetType() EventType { return NodeEvaluatedEvent }

type CompletionDiscarded struct {
	NodeID    string           `json:"node_id"`
	Kind      EventType        `json:"kind"`
	RunStatus models.RunStatus `json:"run_status"`
}

func (CompletionDiscarded) GetType() EventType { return CompletionDiscardedEvent }
