package ingest

import (
	"fmt"
	"sort"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
)

// Router maps a composite score onto a terminal routing state.
type Router struct {
	Cfg config.RoutingConfig
}

// Decide is a pure function of the score and the fields whose conflicts are
// still unresolved.
func (r *Router) Decide(b models.ScoreBreakdown, unresolved []string) (models.RoutingState, []string) {
	score := b.Composite
	var reasons []string

	if len(unresolved) > 0 {
		sorted := append([]string(nil), unresolved...)
		sort.Strings(sorted)
		for _, f := range sorted {
			reasons = append(reasons, "unresolved conflict: "+f)
		}
	}
	if b.Capped {
		reasons = append(reasons, fmt.Sprintf("score capped at %.2f pending human review", r.Cfg.ReviewCeiling))
	}

	switch {
	case score >= r.Cfg.HighThreshold && len(unresolved) == 0:
		reasons = append(reasons, fmt.Sprintf("composite %.3f >= high threshold %.2f", score, r.Cfg.HighThreshold))
		return models.StateAutoApproved, reasons
	case score >= r.Cfg.MediumThreshold:
		reasons = append(reasons, fmt.Sprintf("composite %.3f >= medium threshold %.2f", score, r.Cfg.MediumThreshold))
		return models.StateCommunityReview, reasons
	case score >= r.Cfg.LowThreshold:
		reasons = append(reasons, fmt.Sprintf("composite %.3f >= low threshold %.2f", score, r.Cfg.LowThreshold))
		return models.StateHumanReview, reasons
	}
	reasons = append(reasons, fmt.Sprintf("composite %.3f below low threshold %.2f", score, r.Cfg.LowThreshold))
	return models.StateRejected, reasons
}

// DuplicateReasons explains a skip verdict.
func DuplicateReasons(v models.DuplicateVerdict) []string {
	reasons := []string{models.ReasonDuplicate}
	if v.MatchedID != nil {
		reasons = append(reasons, fmt.Sprintf("%s match with %s", v.MatchType, v.MatchedID))
	}
	return reasons
}

// verdictReasons notes a flagged near-duplicate on an otherwise routed record.
func verdictReasons(v models.DuplicateVerdict) []string {
	if v.MatchedID == nil {
		return nil
	}
	switch v.Action {
	case models.ActionFlagForReview:
		return []string{fmt.Sprintf("possible duplicate: %s %.2f with %s", v.MatchType, v.SimilarityScore, v.MatchedID)}
	case models.ActionProceed:
		return []string{fmt.Sprintf("weak duplicate signal: %s with %s", v.MatchType, v.MatchedID)}
	}
	return nil
}

// unresolvedFields lists fields whose conflicts still need a human.
func unresolvedFields(resolutions map[string]models.Resolution) []string {
	var out []string
	for f, res := range resolutions {
		if res.RequiresHumanReview {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
