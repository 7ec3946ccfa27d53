package models

import (
	"time"

	"github.com/google/uuid"
)

// CandidateRecord is a newly received, not-yet-validated opportunity.
type CandidateRecord struct {
	ID           uuid.UUID     `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Organization string        `json:"organization,omitempty"`
	URL          string        `json:"source_url"`
	Amount       *float64      `json:"amount,omitempty"`
	Currency     string        `json:"currency,omitempty"`
	Deadline     *time.Time    `json:"deadline,omitempty"`
	SourceID     string        `json:"source_id"`
	ReceivedAt   time.Time     `json:"received_at"`
	SupersedesID *uuid.UUID    `json:"supersedes_id,omitempty"`
	Outputs      []AgentOutput `json:"outputs,omitempty"`
}

// Field names shared by declared record fields and extraction outputs.
const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldOrganization = "organization"
	FieldURL          = "url"
	FieldAmount       = "amount"
	FieldCurrency     = "currency"
	FieldDeadline     = "deadline"
)

// DeclaredFields returns the record's own non-empty field values keyed by field name.
func (r CandidateRecord) DeclaredFields() map[string]any {
	out := map[string]any{}
	if r.Title != "" {
		out[FieldTitle] = r.Title
	}
	if r.Description != "" {
		out[FieldDescription] = r.Description
	}
	if r.Organization != "" {
		out[FieldOrganization] = r.Organization
	}
	if r.URL != "" {
		out[FieldURL] = r.URL
	}
	if r.Amount != nil {
		out[FieldAmount] = *r.Amount
	}
	if r.Currency != "" {
		out[FieldCurrency] = r.Currency
	}
	if r.Deadline != nil {
		out[FieldDeadline] = *r.Deadline
	}
	return out
}

// FieldValue is one extracted value with the pass's stated confidence (0..1).
type FieldValue struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// AgentOutput is a single extraction pass over a candidate record.
type AgentOutput struct {
	PassID    string                `json:"pass_id"`
	LatencyMS int64                 `json:"latency_ms,omitempty"`
	Fields    map[string]FieldValue `json:"fields"`
}
