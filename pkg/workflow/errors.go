package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeExecution marks a node that cannot complete; it fails the run.
	ErrNodeExecution = errors.New("node execution failed")

	// ErrRunTerminal is returned for operations on a completed, failed or cancelled run.
	ErrRunTerminal = errors.New("run already terminal")

	// ErrConflictRetries is returned when a run kept changing under concurrent updates.
	ErrConflictRetries = errors.New("run update retries exhausted")

	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrTriggerNotFound  = errors.New("trigger node not found")
)

// NodeError reports a failure of a single node.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func (e *NodeError) Is(target error) bool {
	return target == ErrNodeExecution
}

func nodeErrorf(nodeID, format string, args ...any) *NodeError {
	return &NodeError{NodeID: nodeID, Err: fmt.Errorf(format, args...)}
}
