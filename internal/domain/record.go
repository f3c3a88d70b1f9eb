package domain

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an event lock record.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// IsTerminal returns true if the status represents a final state.
// FAILED is not terminal on its own: the coordinator may hand the lock
// back out until the retry budget is spent.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

// EventLockRecord is the single row per unique event identifier. The record
// store owns it exclusively; there is no in-memory copy shared across
// invocations.
type EventLockRecord struct {
	EventID               string          `json:"event_id"`
	EventType             string          `json:"event_type"`
	Status                Status          `json:"status"`
	ProcessingStartedAt   time.Time       `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time      `json:"processing_completed_at,omitempty"`
	RetryCount            int             `json:"retry_count"`
	Result                json.RawMessage `json:"result,omitempty"`
	Error                 string          `json:"error,omitempty"`
	TTLExpiry             time.Time       `json:"ttl_expiry"`
	CorrelationID         string          `json:"correlation_id,omitempty"`
	Source                string          `json:"source"`
}

// InboundEvent is a webhook delivery after transport-level parsing, the unit
// the coordinator and handlers work with.
type InboundEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}
