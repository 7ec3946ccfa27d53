package models

type FieldKind string

const (
	KindNumeric FieldKind = "numeric"
	KindText    FieldKind = "text"
	KindDate    FieldKind = "date"
)

// ConflictValue is one pass's value for a conflicted field.
type ConflictValue struct {
	PassID     string  `json:"pass_id"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Conflict is a disagreement between extraction passes on a single field.
type Conflict struct {
	Field         string          `json:"field"`
	Kind          FieldKind       `json:"kind"`
	Values        []ConflictValue `json:"values"`
	ConfidenceGap float64         `json:"confidence_gap"`
}

type ResolutionMethod string

const (
	MethodSingleSource     ResolutionMethod = "single_source"
	MethodDeclared         ResolutionMethod = "declared"
	MethodAgreement        ResolutionMethod = "agreement"
	MethodConfidenceMargin ResolutionMethod = "confidence_margin"
	MethodTrustedReference ResolutionMethod = "trusted_reference"
	MethodHumanReview      ResolutionMethod = "human_review"
)

// Resolution is the chosen value for one field.
type Resolution struct {
	Field               string           `json:"field"`
	Value               any              `json:"value"`
	PassID              string           `json:"pass_id,omitempty"`
	Confidence          float64          `json:"confidence"`
	Method              ResolutionMethod `json:"method"`
	RequiresHumanReview bool             `json:"requires_human_review"`
}
