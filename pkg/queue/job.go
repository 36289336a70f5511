package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is a unit of work owned by the queue. Handlers receive a copy; only the
// Manager mutates attempts and failure details.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Policy      Policy          `json:"policy"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	AvailableAt time.Time       `json:"available_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`

	// receipt identifies the broker delivery this copy came from.
	receipt string
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("failed to decode %s job %s: %w", j.Queue, j.ID, err))
	}

	return nil
}

func (j *Job) clone() *Job {
	copied := *j
	copied.Payload = append(json.RawMessage(nil), j.Payload...)

	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		copied.FinishedAt = &finished
	}

	return &copied
}
