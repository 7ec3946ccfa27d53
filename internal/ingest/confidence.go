package ingest

import (
	"math"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"github.com/montanaflynn/stats"
)

// Aggregator folds field confidence, duplication risk and source
// reliability into one composite score.
type Aggregator struct {
	Cfg config.RoutingConfig
}

// Aggregate returns the composite score with its inputs. Any field still
// needing human review caps the composite at the review ceiling.
func (a *Aggregator) Aggregate(resolutions map[string]models.Resolution, verdict models.DuplicateVerdict, reliability float64) models.ScoreBreakdown {
	confs := make([]float64, 0, len(resolutions))
	needsReview := false
	for _, res := range resolutions {
		confs = append(confs, clamp01(res.Confidence))
		if res.RequiresHumanReview {
			needsReview = true
		}
	}

	fieldConf := 0.0
	if len(confs) > 0 {
		if mean, err := stats.Mean(confs); err == nil {
			fieldConf = mean
		}
	}

	dupTerm := 1.0
	if verdict.Action == models.ActionFlagForReview {
		dupTerm = 1 - clamp01(verdict.SimilarityScore)
	}
	reliability = clamp01(reliability)

	weighted := a.Cfg.FieldWeight*fieldConf + a.Cfg.DuplicationWeight*dupTerm + a.Cfg.ReliabilityWeight*reliability
	weighted = clamp01(weighted)

	b := models.ScoreBreakdown{
		FieldConfidence: fieldConf,
		DuplicationTerm: dupTerm,
		Reliability:     reliability,
		Weighted:        weighted,
		Composite:       weighted,
	}
	if needsReview && weighted > a.Cfg.ReviewCeiling {
		b.Capped = true
		b.Composite = a.Cfg.ReviewCeiling
	}
	b.Composite = math.Round(b.Composite*1e6) / 1e6
	return b
}
