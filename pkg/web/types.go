// Package web serves the workflow management API and the provider webhook receiver.
package web

import "github.com/dukex/courier/pkg/models"

// WorkflowRequest is the body of POST /workflows.
type WorkflowRequest struct {
	ID        string                `json:"id,omitempty"     validate:"omitempty,max=128"`
	Name      string                `json:"name"             validate:"required,min=3"`
	Owner     string                `json:"owner"`
	Status    models.WorkflowStatus `json:"status,omitempty" validate:"omitempty,oneof=draft active"`
	Nodes     []*models.Node        `json:"nodes"            validate:"required,min=1"`
	Edges     []*models.Edge        `json:"edges"`
	Variables map[string]any        `json:"variables,omitempty"`
}

func (r WorkflowRequest) Workflow() *models.Workflow {
	return &models.Workflow{
		ID:        r.ID,
		Name:      r.Name,
		Owner:     r.Owner,
		Status:    r.Status,
		Nodes:     r.Nodes,
		Edges:     r.Edges,
		Variables: r.Variables,
	}
}

// UpdateWorkflowRequest is the body of PATCH /workflows/:id. Omitted fields keep
// their current value. A non-zero Version must match the stored version.
type UpdateWorkflowRequest struct {
	Version   int                   `json:"version,omitempty"   validate:"gte=0"`
	Name      *string               `json:"name,omitempty"      validate:"omitempty,min=3"`
	Owner     *string               `json:"owner,omitempty"`
	Status    models.WorkflowStatus `json:"status,omitempty"    validate:"omitempty,oneof=draft active"`
	Nodes     []*models.Node        `json:"nodes,omitempty"     validate:"omitempty,min=1"`
	Edges     []*models.Edge        `json:"edges,omitempty"`
	Variables map[string]any        `json:"variables,omitempty"`
}

// Apply merges the request onto a copy of existing.
func (r UpdateWorkflowRequest) Apply(existing *models.Workflow) *models.Workflow {
	workflow := existing.Clone()
	workflow.Version = r.Version

	if r.Name != nil {
		workflow.Name = *r.Name
	}

	if r.Owner != nil {
		workflow.Owner = *r.Owner
	}

	if r.Status != "" {
		workflow.Status = r.Status
	}

	if r.Nodes != nil {
		workflow.Nodes = r.Nodes
		workflow.Edges = r.Edges
	} else if r.Edges != nil {
		workflow.Edges = r.Edges
	}

	if r.Variables != nil {
		workflow.Variables = r.Variables
	}

	return workflow
}

// CancelRunRequest is the optional body of POST /runs/:id/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ListResponse wraps collection responses.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func listResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}

	return ListResponse[T]{Items: items, Count: len(items)}
}
