package models

import "time"

// SourceHealth holds rolling quality counters for one source.
type SourceHealth struct {
	SourceID            string     `json:"source_id"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	DuplicateCount      int64      `json:"duplicate_count"`
	AvgProcessingMS     float64    `json:"avg_processing_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitBreakerOpen  bool       `json:"circuit_breaker_open"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	ResetBy             string     `json:"reset_by,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Observations is the number of success and failure outcomes seen.
func (h SourceHealth) Observations() int64 {
	return h.SuccessCount + h.FailureCount
}

type HealthOutcome string

const (
	OutcomeSuccess   HealthOutcome = "success"
	OutcomeFailure   HealthOutcome = "failure"
	OutcomeDuplicate HealthOutcome = "duplicate"
	OutcomeReset     HealthOutcome = "reset"
	OutcomeCooldown  HealthOutcome = "cooldown"
	OutcomeParked    HealthOutcome = "parked"
)

// HealthDelta describes a single change to a source's counters.
type HealthDelta struct {
	SourceID      string        `json:"source_id"`
	RecordID      string        `json:"record_id,omitempty"`
	Outcome       HealthOutcome `json:"outcome"`
	ElapsedMS     int64         `json:"elapsed_ms"`
	BreakerOpened bool          `json:"breaker_opened,omitempty"`
	BreakerClosed bool          `json:"breaker_closed,omitempty"`
	After         SourceHealth  `json:"after"`
	At            time.Time     `json:"at"`
}
