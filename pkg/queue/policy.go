package queue

import (
	"math"
	"time"
)

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

const (
	DefaultMaxAttempts        = 3
	DefaultBaseDelay          = time.Second
	DefaultMaxDelay           = time.Hour
	DefaultTimeout            = 30 * time.Second
	DefaultRetentionOnFailure = 7 * 24 * time.Hour
)

// Backoff computes the delay before the next attempt.
type Backoff struct {
	Kind      BackoffKind   `json:"kind"`
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay,omitempty"`
}

// Delay returns the wait after the given number of failed attempts (1-based).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := b.BaseDelay
	if b.Kind != BackoffFixed {
		factor := math.Pow(2, float64(attempts-1))
		if float64(b.BaseDelay)*factor > float64(math.MaxInt64) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(float64(b.BaseDelay) * factor)
		}
	}

	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	return delay
}

// Policy controls delivery of a job. Zero fields fall back to the defaults.
type Policy struct {
	MaxAttempts int     `json:"max_attempts"`
	Backoff     Backoff `json:"backoff"`
	// Timeout bounds a single handler invocation; overrunning it consumes an attempt.
	Timeout time.Duration `json:"timeout"`
	// RetentionOnSuccess keeps completed jobs for inspection. Zero drops them immediately.
	RetentionOnSuccess time.Duration `json:"retention_on_success"`
	// RetentionOnFailure keeps dead-lettered jobs for inspection.
	RetentionOnFailure time.Duration `json:"retention_on_failure"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        DefaultMaxAttempts,
		Backoff:            Backoff{Kind: BackoffExponential, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay},
		Timeout:            DefaultTimeout,
		RetentionOnFailure: DefaultRetentionOnFailure,
	}
}

// WithDefaults returns p with unset fields filled in.
func (p Policy) WithDefaults() Policy {
	defaults := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	if p.Backoff.Kind == "" {
		p.Backoff.Kind = defaults.Backoff.Kind
	}

	if p.Backoff.BaseDelay <= 0 {
		p.Backoff.BaseDelay = defaults.Backoff.BaseDelay
	}

	if p.Backoff.MaxDelay <= 0 {
		p.Backoff.MaxDelay = defaults.Backoff.MaxDelay
	}

	if p.Timeout <= 0 {
		p.Timeout = defaults.Timeout
	}

	if p.RetentionOnFailure <= 0 {
		p.RetentionOnFailure = defaults.RetentionOnFailure
	}

	return p
}
