package ingest

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"go.uber.org/zap"
)

// ReferenceLookup answers with an independently trusted value for a field,
// when one is known.
type ReferenceLookup interface {
	Reference(ctx context.Context, rec models.CandidateRecord, field string) (any, bool, error)
}

var fieldKinds = map[string]models.FieldKind{
	models.FieldAmount:   models.KindNumeric,
	"amount_min":         models.KindNumeric,
	"amount_max":         models.KindNumeric,
	"award_floor":        models.KindNumeric,
	"award_ceiling":      models.KindNumeric,
	models.FieldDeadline: models.KindDate,
	"open_date":          models.KindDate,
	"close_date":         models.KindDate,
}

// ConflictResolver reconciles field values reported by independent
// extraction passes.
type ConflictResolver struct {
	Cfg               config.ConflictConfig
	References        ReferenceLookup
	ReferenceTimeout  time.Duration
	DefaultConfidence float64
}

// Resolve picks one value per field and reports every detected conflict.
// A chosen value always comes from one of the outputs, or from the record's
// own declared fields when there are no outputs.
func (r *ConflictResolver) Resolve(ctx context.Context, rec models.CandidateRecord, outputs []models.AgentOutput) (map[string]models.Resolution, []models.Conflict) {
	resolved := map[string]models.Resolution{}

	if len(outputs) == 0 {
		for field, val := range rec.DeclaredFields() {
			resolved[field] = models.Resolution{
				Field:      field,
				Value:      val,
				Confidence: r.DefaultConfidence,
				Method:     models.MethodDeclared,
			}
		}
		return resolved, nil
	}

	byField := map[string][]models.ConflictValue{}
	for _, out := range outputs {
		for field, fv := range out.Fields {
			if fv.Value == nil {
				continue
			}
			byField[field] = append(byField[field], models.ConflictValue{
				PassID:     out.PassID,
				Value:      fv.Value,
				Confidence: clamp01(fv.Confidence),
			})
		}
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var conflicts []models.Conflict
	for _, field := range fields {
		values := byField[field]
		sort.SliceStable(values, func(i, j int) bool {
			if values[i].Confidence != values[j].Confidence {
				return values[i].Confidence > values[j].Confidence
			}
			return values[i].PassID < values[j].PassID
		})
		top := values[0]

		if len(values) == 1 {
			resolved[field] = models.Resolution{
				Field: field, Value: top.Value, PassID: top.PassID,
				Confidence: top.Confidence, Method: models.MethodSingleSource,
			}
			continue
		}

		kind := kindOf(field, top.Value)
		rival := -1.0
		for _, v := range values[1:] {
			if r.diverges(kind, top.Value, v.Value) && v.Confidence > rival {
				rival = v.Confidence
			}
		}
		if rival < 0 {
			resolved[field] = models.Resolution{
				Field: field, Value: top.Value, PassID: top.PassID,
				Confidence: top.Confidence, Method: models.MethodAgreement,
			}
			continue
		}

		conflict := models.Conflict{
			Field:         field,
			Kind:          kind,
			Values:        values,
			ConfidenceGap: top.Confidence - rival,
		}
		conflicts = append(conflicts, conflict)
		resolved[field] = r.resolveConflict(ctx, rec, conflict)
	}

	return resolved, conflicts
}

func (r *ConflictResolver) resolveConflict(ctx context.Context, rec models.CandidateRecord, c models.Conflict) models.Resolution {
	top := c.Values[0]
	if c.ConfidenceGap > r.Cfg.ConfidenceMargin {
		return models.Resolution{
			Field: c.Field, Value: top.Value, PassID: top.PassID,
			Confidence: top.Confidence, Method: models.MethodConfidenceMargin,
		}
	}

	if ref, ok := r.reference(ctx, rec, c.Field); ok {
		for _, v := range c.Values {
			if !r.diverges(c.Kind, ref, v.Value) {
				return models.Resolution{
					Field: c.Field, Value: v.Value, PassID: v.PassID,
					Confidence: v.Confidence, Method: models.MethodTrustedReference,
				}
			}
		}
	}

	zap.L().Info("field conflict needs human review",
		zap.String("record_id", rec.ID.String()),
		zap.String("field", c.Field),
		zap.Float64("confidence_gap", c.ConfidenceGap),
		zap.Int("values", len(c.Values)),
	)
	return models.Resolution{
		Field: c.Field, Value: top.Value, PassID: top.PassID,
		Confidence: top.Confidence, Method: models.MethodHumanReview,
		RequiresHumanReview: true,
	}
}

// reference consults the trusted registry; a slow or failing registry is
// treated as having no reference.
func (r *ConflictResolver) reference(ctx context.Context, rec models.CandidateRecord, field string) (any, bool) {
	if r.References == nil {
		return nil, false
	}
	refCtx := ctx
	if r.ReferenceTimeout > 0 {
		var cancel context.CancelFunc
		refCtx, cancel = context.WithTimeout(ctx, r.ReferenceTimeout)
		defer cancel()
	}
	val, ok, err := r.References.Reference(refCtx, rec, field)
	if err != nil {
		depErr := classifyDependencyError("trusted registry", err)
		zap.L().Warn("trusted registry lookup failed",
			zap.String("field", field),
			zap.String("kind", string(depErr.Kind)),
			zap.Error(err),
		)
		return nil, false
	}
	return val, ok
}

func kindOf(field string, v any) models.FieldKind {
	if k, ok := fieldKinds[field]; ok {
		return k
	}
	switch v.(type) {
	case float64, float32, int, int64:
		return models.KindNumeric
	case time.Time, *time.Time:
		return models.KindDate
	}
	return models.KindText
}

// diverges applies the per-kind disagreement rule. Values that cannot be
// parsed for their kind are compared as text.
func (r *ConflictResolver) diverges(kind models.FieldKind, a, b any) bool {
	switch kind {
	case models.KindNumeric:
		x, okA := parseAmount(a)
		y, okB := parseAmount(b)
		if okA && okB {
			diff := math.Abs(x - y)
			larger := math.Max(math.Abs(x), math.Abs(y))
			return diff > r.Cfg.NumericAbsolute || (larger > 0 && diff/larger > r.Cfg.NumericRelative)
		}
	case models.KindDate:
		x, okA := parseDate(a)
		y, okB := parseDate(b)
		if okA && okB {
			return !x.Equal(y)
		}
	}
	return fuzzyRatio(normalizeText(textOf(a)), normalizeText(textOf(b))) < r.Cfg.TextSimilarity
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
