package models

import (
	"time"

	"github.com/google/uuid"
)

// Fingerprint holds the derived hashes used for duplicate detection.
type Fingerprint struct {
	TitleHash       string    `json:"title_hash"`
	ContentHash     string    `json:"content_hash"`
	URLHash         string    `json:"url_hash"`
	NormalizedURL   string    `json:"normalized_url"`
	NormalizedTitle string    `json:"normalized_title"`
	SemanticVector  []float32 `json:"semantic_vector,omitempty"`
}

type MatchType string

const (
	MatchExactURL     MatchType = "exact_url"
	MatchSimilarURL   MatchType = "similar_url"
	MatchExactContent MatchType = "exact_content"
	MatchSimilarTitle MatchType = "similar_title"
	MatchSemantic     MatchType = "semantic_similarity"
	MatchMetadata     MatchType = "metadata_match"
	MatchNone         MatchType = "none"
)

// IsExact reports whether the match type is a hash equality.
func (m MatchType) IsExact() bool {
	return m == MatchExactURL || m == MatchExactContent
}

type DuplicateAction string

const (
	ActionSkip          DuplicateAction = "skip"
	ActionFlagForReview DuplicateAction = "flag_for_review"
	ActionProceed       DuplicateAction = "proceed"
)

// StepOutcome is the result of one similarity cascade step.
type StepOutcome struct {
	MatchType MatchType `json:"match_type"`
	Score     float64   `json:"score"`
	Matched   bool      `json:"matched"`
	Skipped   bool      `json:"skipped,omitempty"`
}

type DuplicateVerdict struct {
	IsDuplicate     bool            `json:"is_duplicate"`
	MatchType       MatchType       `json:"match_type"`
	SimilarityScore float64         `json:"similarity_score"`
	MatchedID       *uuid.UUID      `json:"matched_id,omitempty"`
	Action          DuplicateAction `json:"action"`
	Steps           []StepOutcome   `json:"steps,omitempty"`
}

// CanonicalRecord is the accepted, de-duplicated representation of one opportunity.
type CanonicalRecord struct {
	ID             uuid.UUID    `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Organization   string       `json:"organization,omitempty"`
	URL            string       `json:"url"`
	Amount         *float64     `json:"amount,omitempty"`
	Currency       string       `json:"currency,omitempty"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
	SourceID       string       `json:"source_id"`
	Fingerprint    Fingerprint  `json:"fingerprint"`
	CompositeScore float64      `json:"composite_score"`
	State          RoutingState `json:"state"`
	Active         bool         `json:"active"`
	SupersedesID   *uuid.UUID   `json:"supersedes_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// InsertResult reports whether a canonical insert created a row or lost a
// uniqueness race.
type InsertResult string

const (
	InsertCreated  InsertResult = "created"
	InsertConflict InsertResult = "conflict"
)
