package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/candidate.schema.json
var candidateSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func loadCandidateSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("candidate.schema.json", strings.NewReader(candidateSchemaJSON)); err != nil {
			compiledSchemaErr = eris.Wrap(err, "add schema resource")
			return
		}
		schema, err := compiler.Compile("candidate.schema.json")
		if err != nil {
			compiledSchemaErr = eris.Wrap(err, "compile schema")
			return
		}
		compiledSchema = schema
	})
	return compiledSchema, compiledSchemaErr
}

// candidateWire is the producer message; deadlines may be plain dates.
type candidateWire struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Organization string               `json:"organization"`
	URL          string               `json:"source_url"`
	Amount       *float64             `json:"amount"`
	Currency     string               `json:"currency"`
	Deadline     *string              `json:"deadline"`
	SourceID     string               `json:"source_id"`
	ReceivedAt   *time.Time           `json:"received_at"`
	SupersedesID *string              `json:"supersedes_id"`
	Outputs      []models.AgentOutput `json:"outputs"`
}

// DecodeCandidate validates a producer payload against the candidate schema
// and returns the typed record. Every failure is a *ValidationError or
// ValidationErrors.
func DecodeCandidate(payload []byte, now time.Time) (models.CandidateRecord, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return models.CandidateRecord{}, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}

	schema, err := loadCandidateSchema()
	if err != nil {
		return models.CandidateRecord{}, eris.Wrap(err, "load candidate schema")
	}
	if err := schema.Validate(value); err != nil {
		return models.CandidateRecord{}, schemaValidationErrors(err)
	}

	var w candidateWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.CandidateRecord{}, &ValidationError{Reason: "decode record: " + err.Error()}
	}

	rec := models.CandidateRecord{
		Title:        w.Title,
		Description:  w.Description,
		Organization: w.Organization,
		URL:          w.URL,
		Amount:       w.Amount,
		Currency:     strings.ToUpper(w.Currency),
		SourceID:     w.SourceID,
		Outputs:      w.Outputs,
		ReceivedAt:   now,
	}
	if w.ReceivedAt != nil {
		rec.ReceivedAt = *w.ReceivedAt
	}
	if w.ID != "" {
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return models.CandidateRecord{}, &ValidationError{Field: "id", Reason: "not a uuid"}
		}
		rec.ID = id
	}
	if w.SupersedesID != nil && *w.SupersedesID != "" {
		id, err := uuid.Parse(*w.SupersedesID)
		if err != nil {
			return models.CandidateRecord{}, &ValidationError{Field: "supersedes_id", Reason: "not a uuid"}
		}
		rec.SupersedesID = &id
	}
	if w.Deadline != nil && *w.Deadline != "" {
		d, ok := parseDate(*w.Deadline)
		if !ok {
			return models.CandidateRecord{}, &ValidationError{Field: "deadline", Reason: "unparseable date"}
		}
		rec.Deadline = &d
	}
	return rec, nil
}

func schemaValidationErrors(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Reason: err.Error()}
	}
	var out ValidationErrors
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			field := strings.TrimPrefix(v.InstanceLocation, "/")
			out = append(out, &ValidationError{Field: field, Reason: v.Message})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, eris.New("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, eris.New("payload contains trailing content")
	}
	return value, nil
}

// Validate checks a typed record before it is admitted. It catches what the
// schema cannot: whitespace-only required fields, unknown or disabled
// sources, confidence values out of range.
func Validate(rec models.CandidateRecord, reg *Registry) error {
	var errs ValidationErrors
	if strings.TrimSpace(rec.Title) == "" {
		errs = append(errs, &ValidationError{Field: "title", Reason: "required"})
	}
	if strings.TrimSpace(rec.URL) == "" {
		errs = append(errs, &ValidationError{Field: "source_url", Reason: "required"})
	}
	if strings.TrimSpace(rec.SourceID) == "" {
		errs = append(errs, &ValidationError{Field: "source_id", Reason: "required"})
	} else if src, ok := reg.Lookup(rec.SourceID); ok && !src.IsEnabled() {
		errs = append(errs, &ValidationError{Field: "source_id", Reason: "source is disabled"})
	}
	if rec.Amount != nil && *rec.Amount < 0 {
		errs = append(errs, &ValidationError{Field: "amount", Reason: "must be non-negative"})
	}
	for i, out := range rec.Outputs {
		for field, fv := range out.Fields {
			if fv.Confidence < 0 || fv.Confidence > 1 {
				errs = append(errs, &ValidationError{
					Field:  "outputs/" + strconv.Itoa(i) + "/fields/" + field,
					Reason: "confidence must be within [0,1]",
				})
			}
		}
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errs
}
