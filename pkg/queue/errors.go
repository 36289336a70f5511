package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks handler errors that must not be retried.
	ErrPermanent = errors.New("permanent failure")

	// ErrTransient marks dependency failures worth retrying.
	ErrTransient = errors.New("transient dependency failure")

	// ErrTimeout is recorded when a handler overruns the policy timeout.
	ErrTimeout = errors.New("job timed out")

	// ErrLeaseExpired is recorded for jobs reclaimed from a consumer that stopped responding.
	ErrLeaseExpired = errors.New("job lease expired")

	ErrClosed                = errors.New("queue is closed")
	ErrInspectionUnsupported = errors.New("broker does not support job inspection")
)

type classifiedError struct {
	kind error
	err  error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Permanent wraps err so the job is dead-lettered without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{kind: ErrPermanent, err: err}
}

// Transient wraps err as a retryable dependency failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{kind: ErrTransient, err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
