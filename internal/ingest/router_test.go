package ingest

import (
	"testing"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Decide(t *testing.T) {
	r := &Router{Cfg: config.Default().Routing}

	tests := []struct {
		score      float64
		unresolved []string
		want       models.RoutingState
	}{
		{0.95, nil, models.StateAutoApproved},
		{0.90, nil, models.StateAutoApproved},
		{0.8999, nil, models.StateCommunityReview},
		{0.70, nil, models.StateCommunityReview},
		{0.69, nil, models.StateHumanReview},
		{0.50, nil, models.StateHumanReview},
		{0.4999, nil, models.StateRejected},
		{0, nil, models.StateRejected},
		{0.95, []string{"amount"}, models.StateCommunityReview},
	}

	for _, tt := range tests {
		state, reasons := r.Decide(models.ScoreBreakdown{Composite: tt.score}, tt.unresolved)
		assert.Equal(t, tt.want, state, "score %.4f", tt.score)
		assert.NotEmpty(t, reasons)
	}
}

func TestRouter_IsPure(t *testing.T) {
	r := &Router{Cfg: config.Default().Routing}
	b := models.ScoreBreakdown{Composite: 0.69, Capped: true}

	s1, r1 := r.Decide(b, []string{"deadline", "amount"})
	s2, r2 := r.Decide(b, []string{"amount", "deadline"})
	assert.Equal(t, s1, s2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, "unresolved conflict: amount", r1[0])
}

func TestDuplicateReasons(t *testing.T) {
	id := uuid.New()
	reasons := DuplicateReasons(models.DuplicateVerdict{MatchType: models.MatchExactURL, MatchedID: &id})
	require.Len(t, reasons, 2)
	assert.Equal(t, "duplicate", reasons[0])
	assert.Contains(t, reasons[1], id.String())
}
