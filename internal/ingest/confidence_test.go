package ingest

import (
	"testing"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"github.com/stretchr/testify/assert"
)

func testAggregator() *Aggregator {
	return &Aggregator{Cfg: config.Default().Routing}
}

func resolutions(confs ...float64) map[string]models.Resolution {
	fields := []string{models.FieldTitle, models.FieldOrganization, models.FieldAmount, models.FieldDeadline, models.FieldURL}
	out := map[string]models.Resolution{}
	for i, c := range confs {
		out[fields[i]] = models.Resolution{Field: fields[i], Confidence: c}
	}
	return out
}

func TestAggregate_Weights(t *testing.T) {
	b := testAggregator().Aggregate(resolutions(0.95, 0.95), models.DuplicateVerdict{Action: models.ActionProceed}, 0.8)

	assert.InDelta(t, 0.95, b.FieldConfidence, 1e-9)
	assert.Equal(t, 1.0, b.DuplicationTerm)
	assert.InDelta(t, 0.935, b.Composite, 1e-9)
	assert.False(t, b.Capped)
}

func TestAggregate_FlaggedDuplicateLowersScore(t *testing.T) {
	v := models.DuplicateVerdict{Action: models.ActionFlagForReview, SimilarityScore: 0.9}
	b := testAggregator().Aggregate(resolutions(1), v, 1)

	assert.InDelta(t, 0.1, b.DuplicationTerm, 1e-9)
	assert.InDelta(t, 0.5+0.03+0.2, b.Composite, 1e-9)
}

func TestAggregate_HumanReviewCapsScore(t *testing.T) {
	res := resolutions(1, 1, 1)
	r := res[models.FieldAmount]
	r.RequiresHumanReview = true
	res[models.FieldAmount] = r

	b := testAggregator().Aggregate(res, models.DuplicateVerdict{Action: models.ActionProceed}, 1)
	assert.True(t, b.Capped)
	assert.InDelta(t, 1.0, b.Weighted, 1e-9)
	assert.Equal(t, 0.69, b.Composite)
}

func TestAggregate_Bounds(t *testing.T) {
	b := testAggregator().Aggregate(resolutions(2, -1), models.DuplicateVerdict{Action: models.ActionProceed}, 7)
	assert.GreaterOrEqual(t, b.Composite, 0.0)
	assert.LessOrEqual(t, b.Composite, 1.0)

	empty := testAggregator().Aggregate(nil, models.DuplicateVerdict{Action: models.ActionProceed}, 0)
	assert.InDelta(t, 0.3, empty.Composite, 1e-9)
}
