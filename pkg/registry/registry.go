// Package registry holds the JSON schemas that node data is validated against,
// one per node type.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/courier/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrInvalidNodeData = errors.New("invalid node data")
	ErrUnknownNodeType = errors.New("no schema registered for node type")
)

// NodeDataError lists the schema violations of one node.
type NodeDataError struct {
	NodeID   string
	NodeType models.NodeType
	Problems []string
}

func (e *NodeDataError) Error() string {
	return fmt.Sprintf("node %s (%s): %s", e.NodeID, e.NodeType, strings.Join(e.Problems, "; "))
}

func (e *NodeDataError) Is(target error) bool {
	return target == ErrInvalidNodeData
}

type entry struct {
	raw      map[string]any
	compiled *gojsonschema.Schema
}

type Registry struct {
	mu      sync.RWMutex
	schemas map[models.NodeType]entry
}

// New returns a registry preloaded with the schemas of every built-in node type.
func New() (*Registry, error) {
	r := &Registry{schemas: make(map[models.NodeType]entry, len(defaultSchemas))}

	for _, nodeType := range slices.Sorted(maps.Keys(defaultSchemas)) {
		if err := r.Register(nodeType, defaultSchemas[nodeType]); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register compiles schema and makes it the schema of nodeType.
func (r *Registry) Register(nodeType models.NodeType, schema map[string]any) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s nodes: %w", nodeType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemas[nodeType] = entry{raw: schema, compiled: compiled}

	return nil
}

// Schema returns the raw schema of nodeType.
func (r *Registry) Schema(nodeType models.NodeType) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.schemas[nodeType]

	return e.raw, ok
}

// Schemas returns every registered schema keyed by node type.
func (r *Registry) Schemas() map[models.NodeType]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.NodeType]map[string]any, len(r.schemas))
	for nodeType, e := range r.schemas {
		out[nodeType] = e.raw
	}

	return out
}

// ValidateNode checks node.Data against the schema of node.Type.
func (r *Registry) ValidateNode(node *models.Node) error {
	r.mu.RLock()
	e, ok := r.schemas[node.Type]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNodeType, node.Type)
	}

	data := node.Data
	if data == nil {
		data = map[string]any{}
	}

	result, err := e.compiled.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate node %s: %w", node.ID, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return &NodeDataError{NodeID: node.ID, NodeType: node.Type, Problems: problems}
}

// ValidateWorkflow validates every node and joins the failures.
func (r *Registry) ValidateWorkflow(workflow *models.Workflow) error {
	var errs []error

	for _, node := range workflow.Nodes {
		if err := r.ValidateNode(node); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
