package ingest

import (
	"context"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
)

// CorpusLookup returns plausible canonical records for a fingerprint using
// indexed lookups only.
type CorpusLookup interface {
	FindCandidates(ctx context.Context, fp models.Fingerprint, limit int) ([]models.CanonicalRecord, error)
}

// DuplicateResolver checks a candidate against the corpus and recommends an
// action.
type DuplicateResolver struct {
	Engine  *SimilarityEngine
	Corpus  CorpusLookup
	Limit   int
	Timeout time.Duration
}

// Resolve runs the similarity cascade against every plausible corpus record
// and keeps the strongest match. The result depends only on the candidate and
// the corpus contents.
func (r *DuplicateResolver) Resolve(ctx context.Context, rec models.CandidateRecord, fp models.Fingerprint) (models.DuplicateVerdict, error) {
	lookupCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	candidates, err := r.Corpus.FindCandidates(lookupCtx, fp, r.Limit)
	if err != nil {
		return models.DuplicateVerdict{}, classifyDependencyError("corpus lookup", err)
	}

	subject := CandidateSubject(rec, fp)
	var (
		best   Similarity
		bestID uuid.UUID
		found  bool
	)
	for _, c := range candidates {
		if !c.Active {
			continue
		}
		sim := r.Engine.Compare(subject, CanonicalSubject(c))
		if !found || stronger(sim, c.ID, best, bestID) {
			best, bestID, found = sim, c.ID, true
		}
	}

	if !found {
		return models.DuplicateVerdict{MatchType: models.MatchNone, Action: models.ActionProceed}, nil
	}
	return verdictFor(best, bestID), nil
}

// stronger orders matches: hash equality, then threshold matches, then
// unmatched; equal classes by score, then by id for determinism.
func stronger(a Similarity, aID uuid.UUID, b Similarity, bID uuid.UUID) bool {
	ra, rb := matchRank(a), matchRank(b)
	if ra != rb {
		return ra > rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return aID.String() < bID.String()
}

func matchRank(s Similarity) int {
	switch {
	case s.MatchType.IsExact():
		return 2
	case s.Matched():
		return 1
	}
	return 0
}

// verdictFor applies the duplicate policy to the strongest match.
func verdictFor(sim Similarity, matchedID uuid.UUID) models.DuplicateVerdict {
	v := models.DuplicateVerdict{
		MatchType:       sim.MatchType,
		SimilarityScore: sim.Score,
		Steps:           sim.Steps,
		Action:          models.ActionProceed,
	}
	if !sim.Matched() {
		return v
	}

	id := matchedID
	v.IsDuplicate = true
	v.MatchedID = &id

	switch sim.MatchType {
	case models.MatchExactURL, models.MatchExactContent:
		v.Action = models.ActionSkip
	case models.MatchSimilarURL, models.MatchSimilarTitle, models.MatchSemantic:
		v.Action = models.ActionFlagForReview
	}
	return v
}
