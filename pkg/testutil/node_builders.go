// Package testutil provides test data builders for workflows.
package testutil

import (
	"strconv"

	"github.com/dukex/courier/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates an integration node posting to example.com, with
// overrides applied in order.
func CreateTestNode(id string, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:   id,
		Type: models.NodeTypeIntegration,
		Name: "Test Node",
		Data: map[string]any{"url": "https://example.com/hook", "method": "POST"},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithTriggerNode turns the node into a trigger on provider. A schedule trigger
// fires every day at 09:00.
func WithTriggerNode(provider models.Provider, eventTypes ...string) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = models.NodeTypeTrigger
		n.Data = map[string]any{"provider": string(provider)}

		if provider == models.ProviderSchedule {
			n.Data["schedule"] = "0 9 * * *"
		}

		if len(eventTypes) > 0 {
			types := make([]any, len(eventTypes))
			for i, eventType := range eventTypes {
				types[i] = eventType
			}

			n.Data["event_types"] = types
		}
	}
}

// WithReplyNode turns the node into an action replying with text.
func WithReplyNode(text string) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = models.NodeTypeAction
		n.Data = map[string]any{"kind": "reply", "text": text}
	}
}

// WithData sets the node data.
func WithData(data map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Data = data
	}
}

// WithName sets the node name.
func WithName(name string) func(*models.Node) {
	return func(n *models.Node) {
		n.Name = name
	}
}

// CreateTestWorkflow creates a draft workflow with a whatsapp trigger wired to
// one integration node.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:     uuid.NewString(),
		Name:   "Test Workflow",
		Status: models.WorkflowStatusDraft,
		Owner:  "test",
		Nodes: []*models.Node{
			CreateTestNode("trigger", WithTriggerNode(models.ProviderWhatsApp)),
			CreateTestNode("notify"),
		},
		Edges: []*models.Edge{{ID: "e1", Source: "trigger", Target: "notify"}},
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithID sets the workflow id.
func WithID(id string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.ID = id
	}
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// WithChain replaces the graph with the trigger followed by nodes, each
// connected to the previous one.
func WithChain(trigger *models.Node, nodes ...*models.Node) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Nodes = append([]*models.Node{trigger}, nodes...)
		w.Edges = nil

		for i := 1; i < len(w.Nodes); i++ {
			w.Edges = append(w.Edges, &models.Edge{
				ID:     "e" + strconv.Itoa(i),
				Source: w.Nodes[i-1].ID,
				Target: w.Nodes[i].ID,
			})
		}
	}
}
