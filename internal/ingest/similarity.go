package ingest

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"gonum.org/v1/gonum/floats"
)

// Subject is the comparable view of a record: its fingerprint plus the raw
// fields the fuzzy and metadata steps need.
type Subject struct {
	Fingerprint  models.Fingerprint
	Title        string
	Organization string
	Amount       *float64
}

// CandidateSubject builds a Subject from an incoming record.
func CandidateSubject(rec models.CandidateRecord, fp models.Fingerprint) Subject {
	return Subject{Fingerprint: fp, Title: rec.Title, Organization: rec.Organization, Amount: rec.Amount}
}

// CanonicalSubject builds a Subject from a corpus record.
func CanonicalSubject(c models.CanonicalRecord) Subject {
	return Subject{Fingerprint: c.Fingerprint, Title: c.Title, Organization: c.Organization, Amount: c.Amount}
}

// Similarity is the outcome of comparing two subjects.
type Similarity struct {
	MatchType models.MatchType
	Score     float64
	Steps     []models.StepOutcome
}

// Matched reports whether any cascade step crossed its threshold.
func (s Similarity) Matched() bool {
	return s.MatchType != models.MatchNone
}

// SimilarityEngine runs the duplicate cascade, cheapest step first.
type SimilarityEngine struct {
	cfg config.SimilarityConfig
}

func NewSimilarityEngine(cfg config.SimilarityConfig) *SimilarityEngine {
	return &SimilarityEngine{cfg: cfg}
}

// Compare runs every cascade step and reports each outcome. Hash equality
// short-circuits with score 1.0. Otherwise the first step to cross its
// threshold names the match.
func (e *SimilarityEngine) Compare(a, b Subject) Similarity {
	var steps []models.StepOutcome

	if a.Fingerprint.URLHash != "" && a.Fingerprint.URLHash == b.Fingerprint.URLHash {
		steps = append(steps, models.StepOutcome{MatchType: models.MatchExactURL, Score: 1, Matched: true})
		return Similarity{MatchType: models.MatchExactURL, Score: 1, Steps: steps}
	}
	steps = append(steps, models.StepOutcome{MatchType: models.MatchExactURL})

	if a.Fingerprint.ContentHash != "" && a.Fingerprint.ContentHash == b.Fingerprint.ContentHash {
		steps = append(steps, models.StepOutcome{MatchType: models.MatchExactContent, Score: 1, Matched: true})
		return Similarity{MatchType: models.MatchExactContent, Score: 1, Steps: steps}
	}
	steps = append(steps, models.StepOutcome{MatchType: models.MatchExactContent})

	urlScore := fuzzyRatio(a.Fingerprint.NormalizedURL, b.Fingerprint.NormalizedURL)
	steps = append(steps, models.StepOutcome{
		MatchType: models.MatchSimilarURL,
		Score:     urlScore,
		Matched:   urlScore >= e.cfg.URLThreshold,
	})

	titleScore := fuzzyRatio(normalizeText(a.Title), normalizeText(b.Title))
	steps = append(steps, models.StepOutcome{
		MatchType: models.MatchSimilarTitle,
		Score:     titleScore,
		Matched:   titleScore >= e.cfg.TitleThreshold,
	})

	semantic := models.StepOutcome{MatchType: models.MatchSemantic, Skipped: true}
	if cos, ok := cosine(a.Fingerprint.SemanticVector, b.Fingerprint.SemanticVector); ok {
		semantic = models.StepOutcome{
			MatchType: models.MatchSemantic,
			Score:     cos,
			Matched:   cos >= e.cfg.SemanticThreshold,
		}
	}
	steps = append(steps, semantic)

	// Metadata coincidence only counts alongside another signal.
	support := math.Max(urlScore, math.Max(titleScore, semantic.Score))
	metadata := models.StepOutcome{MatchType: models.MatchMetadata}
	if e.metadataCoincides(a, b) {
		metadata.Score = e.cfg.MetadataScore
		metadata.Matched = support >= e.cfg.MetadataSupportFloor
	}
	steps = append(steps, metadata)

	best := 0.0
	for _, st := range steps {
		if st.Matched {
			return Similarity{MatchType: st.MatchType, Score: st.Score, Steps: steps}
		}
		if st.MatchType != models.MatchMetadata && st.Score > best {
			best = st.Score
		}
	}
	return Similarity{MatchType: models.MatchNone, Score: best, Steps: steps}
}

func (e *SimilarityEngine) metadataCoincides(a, b Subject) bool {
	orgA := normalizeText(a.Organization)
	orgB := normalizeText(b.Organization)
	if orgA == "" || orgA != orgB {
		return false
	}
	if a.Amount == nil || b.Amount == nil {
		return false
	}
	larger := math.Max(math.Abs(*a.Amount), math.Abs(*b.Amount))
	if larger == 0 {
		return true
	}
	return math.Abs(*a.Amount-*b.Amount)/larger <= e.cfg.AmountTolerance
}

// fuzzyRatio is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func fuzzyRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(maxLen)
}

// cosine returns the cosine similarity of two vectors when both are present
// and of equal dimension.
func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	va := toFloat64(a)
	vb := toFloat64(b)
	na := floats.Norm(va, 2)
	nb := floats.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0, false
	}
	cos := floats.Dot(va, vb) / (na * nb)
	return math.Max(-1, math.Min(1, cos)), true
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
