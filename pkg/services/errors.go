// Package services provides the command and query operations behind the API.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/workflow"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidStatus  = errors.New("invalid workflow status")
	ErrInvalidGraph   = errors.New("invalid workflow graph")
	ErrWorkflowNil    = errors.New("workflow cannot be nil")

	// Business Logic Conflicts (409 Conflict).
	ErrCannotModifyArchived = errors.New("cannot modify archived workflow")
	ErrCannotDeleteActive   = errors.New("only draft workflows can be deleted")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, registry.ErrInvalidNodeData) ||
		errors.Is(err, registry.ErrUnknownNodeType) ||
		errors.Is(err, models.ErrInvalidCron)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrCannotModifyArchived) ||
		errors.Is(err, ErrCannotDeleteActive) ||
		errors.Is(err, workflow.ErrRunTerminal) ||
		errors.Is(err, persistence.ErrWorkflowAlreadyExists) ||
		errors.Is(err, persistence.ErrWorkflowVersionConflict)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
