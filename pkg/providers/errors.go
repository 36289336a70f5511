package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dukex/courier/pkg/models"
)

var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrChallengeFailed      = errors.New("challenge verification failed")
	ErrChallengeUnsupported = errors.New("challenge not supported")
	ErrSenderNotConfigured  = errors.New("sender not configured")
)

// PayloadError reports a webhook body that could not be decoded.
type PayloadError struct {
	Provider models.Provider
	Err      error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: malformed payload: %v", e.Provider, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func Malformed(provider models.Provider, err error) error {
	return &PayloadError{Provider: provider, Err: err}
}

// SendError is returned by senders when the provider API rejects a message.
type SendError struct {
	Provider   models.Provider
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s send failed with status %d: %s", e.Provider, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s send failed: %s", e.Provider, e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// RetryableStatus reports whether an HTTP status from a provider API is worth retrying.
func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// IsTransient reports whether a send failure may succeed on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		if sendErr.Retryable {
			return true
		}

		if sendErr.StatusCode > 0 {
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
