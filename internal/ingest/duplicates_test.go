package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCorpus struct {
	records []models.CanonicalRecord
	err     error
	delay   time.Duration
}

func (s staticCorpus) FindCandidates(ctx context.Context, _ models.Fingerprint, _ int) ([]models.CanonicalRecord, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.records, s.err
}

func canonicalFrom(rec models.CandidateRecord) models.CanonicalRecord {
	return models.CanonicalRecord{
		ID:           uuid.New(),
		Title:        rec.Title,
		Description:  rec.Description,
		Organization: rec.Organization,
		URL:          rec.URL,
		Amount:       rec.Amount,
		SourceID:     rec.SourceID,
		Fingerprint:  Hashes(rec),
		Active:       true,
	}
}

func newResolver(corpus CorpusLookup) *DuplicateResolver {
	return &DuplicateResolver{
		Engine:  testSimilarityEngine(),
		Corpus:  corpus,
		Limit:   25,
		Timeout: 50 * time.Millisecond,
	}
}

func TestResolve_EmptyCorpusProceeds(t *testing.T) {
	rec := aiGrant()
	v, err := newResolver(staticCorpus{}).Resolve(context.Background(), rec, Hashes(rec))
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, models.MatchNone, v.MatchType)
	assert.Equal(t, models.ActionProceed, v.Action)
	assert.Nil(t, v.MatchedID)
}

func TestResolve_ExactURLSkips(t *testing.T) {
	existing := canonicalFrom(aiGrant())
	rec := aiGrant()
	rec.URL = "HTTPS://x.org/grant/?utm_campaign=spring#top"
	rec.Description = "rewritten description"

	v, err := newResolver(staticCorpus{records: []models.CanonicalRecord{existing}}).Resolve(context.Background(), rec, Hashes(rec))
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, models.MatchExactURL, v.MatchType)
	assert.Equal(t, 1.0, v.SimilarityScore)
	assert.Equal(t, models.ActionSkip, v.Action)
	require.NotNil(t, v.MatchedID)
	assert.Equal(t, existing.ID, *v.MatchedID)
}

func TestResolve_SimilarTitleFlagsForReview(t *testing.T) {
	base := models.CandidateRecord{Title: "Community Arts Grant 2025", URL: "https://arts.example.org/grants/community", Description: "a"}
	existing := canonicalFrom(base)
	rec := models.CandidateRecord{Title: "COMMUNITY  arts grant 2025", URL: "https://mirror.net/listing?id=991", Description: "b"}

	v, err := newResolver(staticCorpus{records: []models.CanonicalRecord{existing}}).Resolve(context.Background(), rec, Hashes(rec))
	require.NoError(t, err)
	assert.Equal(t, models.MatchSimilarTitle, v.MatchType)
	assert.GreaterOrEqual(t, v.SimilarityScore, 0.85)
	assert.Equal(t, models.ActionFlagForReview, v.Action)
}

func TestResolve_PrefersExactOverFuzzy(t *testing.T) {
	rec := aiGrant()
	fuzzy := canonicalFrom(models.CandidateRecord{Title: "AI Grant 2025", URL: "https://elsewhere.org/ai", Description: "other"})
	exact := canonicalFrom(aiGrant())

	v, err := newResolver(staticCorpus{records: []models.CanonicalRecord{fuzzy, exact}}).Resolve(context.Background(), rec, Hashes(rec))
	require.NoError(t, err)
	assert.Equal(t, models.MatchExactURL, v.MatchType)
	assert.Equal(t, exact.ID, *v.MatchedID)
}

func TestResolve_IgnoresInactiveRecords(t *testing.T) {
	rec := aiGrant()
	old := canonicalFrom(aiGrant())
	old.Active = false

	v, err := newResolver(staticCorpus{records: []models.CanonicalRecord{old}}).Resolve(context.Background(), rec, Hashes(rec))
	require.NoError(t, err)
	assert.Equal(t, models.ActionProceed, v.Action)
	assert.False(t, v.IsDuplicate)
}

func TestResolve_IsIdempotent(t *testing.T) {
	rec := aiGrant()
	corpus := staticCorpus{records: []models.CanonicalRecord{
		canonicalFrom(models.CandidateRecord{Title: "AI Grant 2024", URL: "https://x.org/grant-2024", Organization: "X Foundation", Amount: amount(100000)}),
		canonicalFrom(models.CandidateRecord{Title: "Unrelated", URL: "https://y.org/z"}),
	}}
	r := newResolver(corpus)

	first, err := r.Resolve(context.Background(), rec, Hashes(rec))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), rec, Hashes(rec))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolve_LookupFailures(t *testing.T) {
	rec := aiGrant()

	_, err := newResolver(staticCorpus{delay: time.Second}).Resolve(context.Background(), rec, Hashes(rec))
	var de *DependencyError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Timeout())

	_, err = newResolver(staticCorpus{err: errors.New("connection refused")}).Resolve(context.Background(), rec, Hashes(rec))
	require.ErrorAs(t, err, &de)
	assert.Equal(t, DependencyUnavailable, de.Kind)
}
