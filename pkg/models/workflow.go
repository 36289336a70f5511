package models

import (
	"errors"
	"fmt"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Matched against inbound triggers
	WorkflowStatusArchived WorkflowStatus = "archived" // Retired, schedules removed
)

// NodeType is the closed set of node kinds; behavior is dispatched on it.
type NodeType string

const (
	NodeTypeTrigger     NodeType = "trigger"
	NodeTypeLogic       NodeType = "logic"
	NodeTypeAI          NodeType = "ai"
	NodeTypeAction      NodeType = "action"
	NodeTypeIntegration NodeType = "integration"
)

// NodeTypes lists every valid node type.
var NodeTypes = []NodeType{NodeTypeTrigger, NodeTypeLogic, NodeTypeAI, NodeTypeAction, NodeTypeIntegration}

func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}

	return false
}

var (
	ErrDuplicateNode     = errors.New("duplicate node id")
	ErrUnknownNodeType   = errors.New("unknown node type")
	ErrDanglingEdge      = errors.New("edge references unknown node")
	ErrMissingTrigger    = errors.New("workflow has no trigger node")
	ErrCyclicGraph       = errors.New("workflow graph contains a cycle")
	ErrTriggerHasInbound = errors.New("trigger node cannot have incoming edges")
)

// Workflow is a user-defined graph of nodes and edges. Every saved change bumps Version;
// runs pin the version they started with.
type Workflow struct {
	ID        string         `json:"id"                 yaml:"id"`
	Name      string         `json:"name"               yaml:"name"     validate:"required,min=3"`
	Status    WorkflowStatus `json:"status"             yaml:"status"   validate:"required,oneof=draft active archived"`
	Version   int            `json:"version"            yaml:"version"`
	Owner     string         `json:"owner"              yaml:"owner"`
	Nodes     []*Node        `json:"nodes"              yaml:"nodes"    validate:"required,min=1,dive"`
	Edges     []*Edge        `json:"edges"              yaml:"edges"    validate:"dive"`
	Variables map[string]any `json:"variables"          yaml:"variables"`
	CreatedAt time.Time      `json:"created_at"         yaml:"-"`
	UpdatedAt time.Time      `json:"updated_at"         yaml:"-"`
}

// Node is one step in a workflow graph.
type Node struct {
	ID         string         `json:"id"          yaml:"id"   validate:"required"`
	Type       NodeType       `json:"type"        yaml:"type" validate:"required"`
	Name       string         `json:"name"        yaml:"name"`
	Data       map[string]any `json:"data"        yaml:"data"`
	WorkflowID string         `json:"workflow_id" yaml:"-"`
}

// Edge connects Source to Target. A non-empty Condition gates traversal.
type Edge struct {
	ID        string `json:"id"                  yaml:"id"     validate:"required"`
	Source    string `json:"source"              yaml:"source" validate:"required"`
	Target    string `json:"target"              yaml:"target" validate:"required"`
	Condition string `json:"condition,omitempty" yaml:"condition"`
}

// StringData returns a string field of the node data, or "" when absent.
func (n *Node) StringData(key string) string {
	if n.Data == nil {
		return ""
	}

	value, _ := n.Data[key].(string)

	return value
}

// IntData returns a numeric field of the node data. JSON numbers decode as float64
// and YAML numbers as int; both are accepted.
func (n *Node) IntData(key string) (int, bool) {
	if n.Data == nil {
		return 0, false
	}

	switch v := n.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// MapData returns an object field of the node data, or nil.
func (n *Node) MapData(key string) map[string]any {
	if n.Data == nil {
		return nil
	}

	value, _ := n.Data[key].(map[string]any)

	return value
}

// StringsData returns a list-of-strings field of the node data. A single string
// is treated as a one-element list.
func (n *Node) StringsData(key string) []string {
	if n.Data == nil {
		return nil
	}

	switch v := n.Data[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		values := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}

		return values
	default:
		return nil
	}
}

func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// Node looks a node up by id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return nil, false
}

// TriggerNodes returns the trigger nodes in declaration order.
func (w *Workflow) TriggerNodes() []*Node {
	var triggers []*Node

	for _, node := range w.Nodes {
		if node.Type == NodeTypeTrigger {
			triggers = append(triggers, node)
		}
	}

	return triggers
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (w *Workflow) Outgoing(nodeID string) []*Edge {
	var edges []*Edge

	for _, edge := range w.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// Incoming returns the edges entering nodeID in declaration order.
func (w *Workflow) Incoming(nodeID string) []*Edge {
	var edges []*Edge

	for _, edge := range w.Edges {
		if edge.Target == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// ValidateGraph checks structural soundness: unique ids, known types,
// edges between existing nodes, at least one trigger and no cycles.
func (w *Workflow) ValidateGraph() error {
	seen := make(map[string]bool, len(w.Nodes))

	for _, node := range w.Nodes {
		if seen[node.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
		}

		seen[node.ID] = true

		if !node.Type.Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownNodeType, node.Type)
		}
	}

	if len(w.TriggerNodes()) == 0 {
		return ErrMissingTrigger
	}

	for _, edge := range w.Edges {
		if !seen[edge.Source] || !seen[edge.Target] {
			return fmt.Errorf("%w: %s", ErrDanglingEdge, edge.ID)
		}

		if target, _ := w.Node(edge.Target); target.Type == NodeTypeTrigger {
			return fmt.Errorf("%w: %s", ErrTriggerHasInbound, edge.Target)
		}
	}

	return w.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the graph.
func (w *Workflow) checkAcyclic() error {
	inDegree := make(map[string]int, len(w.Nodes))
	for _, node := range w.Nodes {
		inDegree[node.ID] = 0
	}

	for _, edge := range w.Edges {
		inDegree[edge.Target]++
	}

	queue := make([]string, 0, len(w.Nodes))

	for _, node := range w.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, edge := range w.Outgoing(id) {
			inDegree[edge.Target]--
			if inDegree[edge.Target] == 0 {
				queue = append(queue, edge.Target)
			}
		}
	}

	if visited != len(w.Nodes) {
		return ErrCyclicGraph
	}

	return nil
}

// Clone returns a deep copy of the graph structure. Node data maps are shared.
func (w *Workflow) Clone() *Workflow {
	clone := *w

	clone.Nodes = make([]*Node, len(w.Nodes))
	for i, node := range w.Nodes {
		copied := *node
		clone.Nodes[i] = &copied
	}

	clone.Edges = make([]*Edge, len(w.Edges))
	for i, edge := range w.Edges {
		copied := *edge
		clone.Edges[i] = &copied
	}

	return &clone
}
