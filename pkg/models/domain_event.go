package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DomainEvent is an immutable entry of the event store. Seq is assigned by the
// store on append and gives a strict order among events with equal OccurredAt.
type DomainEvent struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id,omitempty"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	Seq        int64           `json:"seq"`
	DedupKey   string          `json:"dedup_key,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *DomainEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s event payload: %w", e.Kind, err)
	}

	return nil
}

// Before orders events by (OccurredAt, Seq).
func (e *DomainEvent) Before(other *DomainEvent) bool {
	if e.OccurredAt.Equal(other.OccurredAt) {
		return e.Seq < other.Seq
	}

	return e.OccurredAt.Before(other.OccurredAt)
}
