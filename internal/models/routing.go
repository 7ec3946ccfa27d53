package models

import (
	"time"

	"github.com/google/uuid"
)

type RoutingState string

const (
	StateAutoApproved    RoutingState = "auto_approved"
	StateCommunityReview RoutingState = "community_review"
	StateHumanReview     RoutingState = "human_review"
	StateRejected        RoutingState = "rejected"
)

// Accepted reports whether records in this state are kept in the corpus.
func (s RoutingState) Accepted() bool {
	return s == StateAutoApproved || s == StateCommunityReview || s == StateHumanReview
}

// Reasons recorded on routing decisions.
const (
	ReasonDuplicate          = "duplicate"
	ReasonCorpusUnavailable  = "corpus unavailable"
	ReasonSupersedeNotHigher = "superseding confidence not higher"
)

// ScoreBreakdown records the inputs of a composite score.
type ScoreBreakdown struct {
	FieldConfidence float64 `json:"field_confidence"`
	DuplicationTerm float64 `json:"duplication_term"`
	Reliability     float64 `json:"reliability"`
	Weighted        float64 `json:"weighted"`
	Capped          bool    `json:"capped"`
	Composite       float64 `json:"composite"`
}

// RoutingDecision is the immutable outcome for one candidate record.
type RoutingDecision struct {
	RecordID       uuid.UUID        `json:"record_id"`
	CanonicalID    *uuid.UUID       `json:"canonical_id,omitempty"`
	SourceID       string           `json:"source_id"`
	CompositeScore float64          `json:"composite_score"`
	State          RoutingState     `json:"state"`
	Reasons        []string         `json:"reasons"`
	Verdict        DuplicateVerdict `json:"verdict"`
	Breakdown      *ScoreBreakdown  `json:"breakdown,omitempty"`
	Conflicts      []Conflict       `json:"conflicts,omitempty"`
	DecidedAt      time.Time        `json:"decided_at"`
}
