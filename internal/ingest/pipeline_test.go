package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/events"
	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingEmbedder struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	onEmbed func()
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if e.onEmbed != nil {
		e.onEmbed()
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return nil, nil
}

// flakyCorpus wraps a MemoryCorpus with injectable failures.
type flakyCorpus struct {
	*MemoryCorpus
	findErr     error
	insertErr   error
	inserts     atomic.Int32
	beforeWrite func()
}

func (f *flakyCorpus) FindCandidates(ctx context.Context, fp models.Fingerprint, limit int) ([]models.CanonicalRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.MemoryCorpus.FindCandidates(ctx, fp, limit)
}

func (f *flakyCorpus) InsertOrConflict(ctx context.Context, rec models.CanonicalRecord) (models.InsertResult, error) {
	f.inserts.Add(1)
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	if f.insertErr != nil {
		return "", f.insertErr
	}
	return f.MemoryCorpus.InsertOrConflict(ctx, rec)
}

type memoryRuns struct {
	mu   sync.Mutex
	runs []models.IngestRun
}

func (m *memoryRuns) StartRun(_ context.Context, label string) (string, error) {
	return "run-" + label, nil
}

func (m *memoryRuns) FinishRun(_ context.Context, run models.IngestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type harness struct {
	p         *Pipeline
	cfg       *config.Config
	corpus    *flakyCorpus
	decisions *MemoryDecisionStore
	health    *MemoryHealthStore
	events    *events.Recorder
	embedder  *countingEmbedder
	runs      *memoryRuns
	clock     *fakeClock
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.WriteBackoffBase = time.Millisecond
	cfg.Pipeline.WriteBackoffMax = 2 * time.Millisecond
	for _, fn := range tweak {
		fn(cfg)
	}

	reg, err := LoadRegistry("")
	require.NoError(t, err)

	h := &harness{
		cfg:       cfg,
		corpus:    &flakyCorpus{MemoryCorpus: NewMemoryCorpus()},
		decisions: NewMemoryDecisionStore(),
		health:    NewMemoryHealthStore(),
		events:    &events.Recorder{},
		embedder:  &countingEmbedder{},
		runs:      &memoryRuns{},
		clock:     &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.p = NewPipeline(cfg, Deps{
		Corpus:    h.corpus,
		Decisions: h.decisions,
		Health:    h.health,
		Runs:      h.runs,
		Embedder:  h.embedder,
		Registry:  reg,
		Publisher: h.events,
	})
	h.p.now = h.clock.Now
	h.p.health.nowFunc = h.clock.Now
	return h
}

func aiGrant() models.CandidateRecord {
	return models.CandidateRecord{
		ID:           uuid.New(),
		Title:        "AI Grant 2025",
		URL:          "https://x.org/grant?utm_source=nl",
		Organization: "X Foundation",
		Amount:       amount(100000),
		SourceID:     "x_foundation",
		Outputs: []models.AgentOutput{{
			PassID: "pass-1",
			Fields: map[string]models.FieldValue{
				models.FieldTitle:        {Value: "AI Grant 2025", Confidence: 0.95},
				models.FieldURL:          {Value: "https://x.org/grant?utm_source=nl", Confidence: 0.95},
				models.FieldOrganization: {Value: "X Foundation", Confidence: 0.95},
				models.FieldAmount:       {Value: 100000.0, Confidence: 0.95},
			},
		}},
	}
}

func lowConfidence(sourceID, title string) models.CandidateRecord {
	return models.CandidateRecord{
		ID:       uuid.New(),
		Title:    title,
		URL:      "https://feed.example.net/items/" + uuid.NewString(),
		SourceID: sourceID,
		Outputs: []models.AgentOutput{{
			PassID: "pass-1",
			Fields: map[string]models.FieldValue{
				models.FieldTitle: {Value: title, Confidence: 0},
			},
		}},
	}
}

func TestProcess_EndToEndAutoApproved(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.Process(context.Background(), aiGrant())
	require.NoError(t, err)

	d := res.Decision
	assert.Equal(t, models.ActionProceed, d.Verdict.Action)
	assert.Equal(t, models.MatchNone, d.Verdict.MatchType)
	assert.GreaterOrEqual(t, d.CompositeScore, 0.90)
	assert.Equal(t, models.StateAutoApproved, d.State)
	require.NotNil(t, d.CanonicalID)
	require.NotNil(t, res.Canonical)
	assert.Equal(t, "https://x.org/grant", res.Canonical.Fingerprint.NormalizedURL)
	assert.Equal(t, 1, h.corpus.Len())

	stored, err := h.decisions.GetDecision(context.Background(), d.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAutoApproved, stored.State)
	assert.Len(t, h.decisions.Audit(d.RecordID), 1)

	decisions, deltas := h.events.Counts()
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 1, deltas)
	require.NotNil(t, res.Health)
	assert.Equal(t, models.OutcomeSuccess, res.Health.Outcome)
}

func TestProcess_VerbatimResubmitIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.p.Process(ctx, aiGrant())
	require.NoError(t, err)

	again := aiGrant()
	res, err := h.p.Process(ctx, again)
	require.NoError(t, err)

	d := res.Decision
	assert.Equal(t, models.MatchExactURL, d.Verdict.MatchType)
	assert.Equal(t, 1.0, d.Verdict.SimilarityScore)
	assert.Equal(t, models.ActionSkip, d.Verdict.Action)
	assert.Equal(t, first.Decision.CanonicalID, d.Verdict.MatchedID)
	assert.Equal(t, models.StateRejected, d.State)
	require.NotEmpty(t, d.Reasons)
	assert.Equal(t, "duplicate", d.Reasons[0])
	assert.Nil(t, d.Breakdown, "skip verdicts never reach the aggregator")
	assert.Nil(t, d.CanonicalID)
	assert.Equal(t, 1, h.corpus.Len())
	assert.Equal(t, models.OutcomeDuplicate, res.Health.Outcome)

	health, err := h.p.Health().Snapshot(ctx, "x_foundation")
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.SuccessCount)
	assert.Equal(t, int64(1), health.DuplicateCount)
	assert.Equal(t, 0, health.ConsecutiveFailures)
}

func TestProcess_ReplayedRecordIDReturnsStoredDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := aiGrant()

	first, err := h.p.Process(ctx, rec)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := h.p.Process(ctx, rec)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Decision.RecordID, again.Decision.RecordID)
	assert.Equal(t, first.Decision.State, again.Decision.State)
	assert.Equal(t, first.Decision.CanonicalID, again.Decision.CanonicalID)
	assert.Nil(t, again.Health)

	decisions, deltas := h.events.Counts()
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 1, deltas)
	assert.Equal(t, 1, h.corpus.Len())

	health, err := h.p.Health().Snapshot(ctx, "x_foundation")
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.SuccessCount)
}

func TestProcess_UnmatchedSupersedesIDIsNotLinked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := aiGrant()
	stale := uuid.New()
	rec.SupersedesID = &stale

	res, err := h.p.Process(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, models.StateAutoApproved, res.Decision.State)
	require.NotNil(t, res.Canonical)
	assert.Nil(t, res.Canonical.SupersedesID)

	stored, err := h.corpus.Get(ctx, *res.Decision.CanonicalID)
	require.NoError(t, err)
	assert.Nil(t, stored.SupersedesID)
	assert.True(t, stored.Active)
}

func TestProcess_ValidationErrorHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	rec := aiGrant()
	rec.Title = "  "

	_, err := h.p.Process(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 0, h.corpus.Len())
	assert.Equal(t, int32(0), h.embedder.calls.Load())
	decisions, deltas := h.events.Counts()
	assert.Zero(t, decisions)
	assert.Zero(t, deltas)
}

func TestProcess_UnresolvedConflictCapsScore(t *testing.T) {
	h := newHarness(t)
	rec := aiGrant()
	rec.Outputs = []models.AgentOutput{
		{PassID: "a", Fields: map[string]models.FieldValue{
			models.FieldTitle:  {Value: "AI Grant 2025", Confidence: 0.95},
			models.FieldAmount: {Value: 50000.0, Confidence: 0.6},
		}},
		{PassID: "b", Fields: map[string]models.FieldValue{
			models.FieldAmount: {Value: 90000.0, Confidence: 0.62},
		}},
	}

	res, err := h.p.Process(context.Background(), rec)
	require.NoError(t, err)

	d := res.Decision
	require.NotNil(t, d.Breakdown)
	assert.True(t, d.Breakdown.Capped)
	assert.Equal(t, h.cfg.Routing.ReviewCeiling, d.CompositeScore)
	assert.NotEqual(t, models.StateAutoApproved, d.State)
	assert.Contains(t, d.Reasons, "unresolved conflict: amount")
	require.Len(t, d.Conflicts, 1)
	assert.Equal(t, models.FieldAmount, d.Conflicts[0].Field)
}

func TestProcess_BreakerOpensAndFastFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := h.p.Process(ctx, lowConfidence("flaky_feed", "Listing "+uuid.NewString()))
		require.NoError(t, err)
		require.Equal(t, models.StateRejected, res.Decision.State)
		require.Equal(t, models.OutcomeFailure, res.Health.Outcome)
		if i == 4 {
			assert.True(t, res.Health.BreakerOpened)
		}
	}

	snap, err := h.p.Health().Snapshot(ctx, "flaky_feed")
	require.NoError(t, err)
	assert.True(t, snap.CircuitBreakerOpen)
	assert.Equal(t, 5, snap.ConsecutiveFailures)

	embeds := h.embedder.calls.Load()
	_, err = h.p.Process(ctx, aiGrantFrom("flaky_feed"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceCircuitOpen)
	assert.Equal(t, embeds, h.embedder.calls.Load(), "fast-fail happens before fingerprinting")

	// Other sources are unaffected.
	_, err = h.p.Process(ctx, aiGrant())
	require.NoError(t, err)

	h.clock.Advance(h.cfg.Health.Cooldown + time.Second)
	res, err := h.p.Process(ctx, aiGrantFrom("flaky_feed"))
	require.NoError(t, err)
	assert.Equal(t, models.StateAutoApproved, res.Decision.State)
}

func aiGrantFrom(sourceID string) models.CandidateRecord {
	rec := aiGrant()
	rec.SourceID = sourceID
	rec.URL = "https://" + sourceID + ".example.org/grant"
	rec.Title = "Grant from " + sourceID
	rec.Organization = sourceID + " Trust"
	rec.Outputs[0].Fields[models.FieldTitle] = models.FieldValue{Value: rec.Title, Confidence: 0.95}
	rec.Outputs[0].Fields[models.FieldOrganization] = models.FieldValue{Value: rec.Organization, Confidence: 0.95}
	return rec
}

func TestResetSource_ClosesBreaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := h.p.Process(ctx, lowConfidence("flaky_feed", "Listing "+uuid.NewString()))
		require.NoError(t, err)
	}

	delta, err := h.p.ResetSource(ctx, "flaky_feed", "ops@example.org", false)
	require.NoError(t, err)
	assert.True(t, delta.BreakerClosed)
	assert.Equal(t, models.OutcomeReset, delta.Outcome)
	assert.Equal(t, int64(5), delta.After.FailureCount, "counters kept without clear")

	_, err = h.p.Process(ctx, aiGrantFrom("flaky_feed"))
	require.NoError(t, err)
}

func TestProcess_CorpusWriteUnavailableParksRecord(t *testing.T) {
	h := newHarness(t)
	h.corpus.insertErr = errors.New("connection refused")

	res, err := h.p.Process(context.Background(), aiGrant())
	require.NoError(t, err)

	d := res.Decision
	assert.Equal(t, models.StateHumanReview, d.State)
	require.NotEmpty(t, d.Reasons)
	assert.Equal(t, models.ReasonCorpusUnavailable, d.Reasons[0])
	assert.Nil(t, d.CanonicalID)
	assert.Equal(t, int32(h.cfg.Pipeline.WriteRetries+1), h.corpus.inserts.Load())
	assert.Equal(t, models.OutcomeParked, res.Health.Outcome)

	decisions, _ := h.events.Counts()
	assert.Equal(t, 1, decisions, "parked records still get a decision")
}

func TestProcess_CorpusLookupUnavailableParksRecord(t *testing.T) {
	h := newHarness(t)
	h.corpus.findErr = errors.New("connection reset by peer")

	res, err := h.p.Process(context.Background(), aiGrant())
	require.NoError(t, err)
	assert.Equal(t, models.StateHumanReview, res.Decision.State)
	assert.Equal(t, models.ReasonCorpusUnavailable, res.Decision.Reasons[0])
	assert.Zero(t, h.corpus.inserts.Load())
}

func TestProcess_CancelBeforeWriteAbandons(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.embedder.onEmbed = cancel

	_, err := h.p.Process(ctx, aiGrant())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, h.corpus.Len())
	assert.Zero(t, h.corpus.inserts.Load())
	decisions, deltas := h.events.Counts()
	assert.Zero(t, decisions)
	assert.Zero(t, deltas)
	health, err := h.p.Health().Snapshot(context.Background(), "x_foundation")
	require.NoError(t, err)
	assert.Zero(t, health.SuccessCount+health.FailureCount+health.DuplicateCount)
}

func TestProcess_CancelDuringWriteCompletes(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.corpus.beforeWrite = cancel

	res, err := h.p.Process(ctx, aiGrant())
	require.NoError(t, err)
	assert.Equal(t, models.StateAutoApproved, res.Decision.State)
	assert.NotNil(t, res.Decision.CanonicalID)
	assert.Equal(t, 1, h.corpus.Len())

	_, err = h.decisions.GetDecision(context.Background(), res.Decision.RecordID)
	require.NoError(t, err)
}

func TestProcess_ConcurrentIdenticalRecordsKeepOneCanonical(t *testing.T) {
	h := newHarness(t)
	const n = 12

	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.p.Process(context.Background(), aiGrant())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for _, r := range results {
		switch {
		case r.Decision.State.Accepted():
			accepted++
		case r.Decision.State == models.StateRejected && r.Decision.Reasons[0] == models.ReasonDuplicate:
			duplicates++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, 1, h.corpus.Len())

	decisions, deltas := h.events.Counts()
	assert.Equal(t, n, decisions)
	assert.Equal(t, n, deltas)
}

func TestProcess_Supersede(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.p.Process(ctx, aiGrant())
	require.NoError(t, err)
	require.NotNil(t, first.Decision.CanonicalID)

	better := aiGrant()
	better.SupersedesID = first.Decision.CanonicalID
	for k, fv := range better.Outputs[0].Fields {
		fv.Confidence = 1
		better.Outputs[0].Fields[k] = fv
	}
	res, err := h.p.Process(ctx, better)
	require.NoError(t, err)
	require.NotNil(t, res.Decision.CanonicalID)
	assert.Greater(t, res.Decision.CompositeScore, first.Decision.CompositeScore)
	assert.Equal(t, 1, h.corpus.Len())

	old, err := h.corpus.Get(ctx, *first.Decision.CanonicalID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.NotNil(t, res.Canonical)
	assert.Equal(t, first.Decision.CanonicalID, res.Canonical.SupersedesID)

	weaker := aiGrant()
	weaker.SupersedesID = res.Decision.CanonicalID
	res, err = h.p.Process(ctx, weaker)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, res.Decision.State)
	assert.Equal(t, models.ReasonSupersedeNotHigher, res.Decision.Reasons[0])
}

func TestProcessBatch(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Pipeline.MaxInFlight = 2
	})
	h.embedder.delay = 5 * time.Millisecond

	invalid := aiGrantFrom("nsf_funding")
	invalid.Title = ""
	recs := []models.CandidateRecord{
		aiGrant(),
		aiGrant(),
		aiGrantFrom("grants_gov"),
		aiGrantFrom("nih_guide"),
		aiGrantFrom("ukri"),
		invalid,
	}

	items, run := h.p.ProcessBatch(context.Background(), "fixture", recs, 0)
	require.Len(t, items, len(recs))

	assert.Equal(t, "run-fixture", run.RunID)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 6, run.Found)
	assert.Equal(t, 4, run.Accepted)
	assert.Equal(t, 1, run.Duplicates)
	assert.Equal(t, 1, run.Invalid)
	assert.Zero(t, run.Errors)
	require.NotNil(t, run.CompletedAt)

	assert.LessOrEqual(t, h.embedder.peak.Load(), int32(2))
	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, run, h.runs.runs[0])

	require.Error(t, items[5].Err)
	assert.True(t, IsValidation(items[5].Err))
}

func TestProcessBatch_UndecodablePayloadsCountAsInvalid(t *testing.T) {
	h := newHarness(t)

	items, run := h.p.ProcessBatch(context.Background(), "mixed", []models.CandidateRecord{aiGrant()}, 2)
	require.Len(t, items, 1)
	assert.Equal(t, 3, run.Found)
	assert.Equal(t, 2, run.Invalid)
	assert.Equal(t, 1, run.Accepted)
	assert.Equal(t, models.RunCompleted, run.Status)

	_, run = h.p.ProcessBatch(context.Background(), "broken", nil, 3)
	assert.Equal(t, 3, run.Found)
	assert.Equal(t, 3, run.Invalid)
	assert.Equal(t, models.RunFailed, run.Status)
	require.Len(t, h.runs.runs, 2)
}

func TestProcessBatch_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items, run := h.p.ProcessBatch(ctx, "cancelled", []models.CandidateRecord{aiGrant(), aiGrantFrom("ukri")}, 0)
	for _, it := range items {
		assert.ErrorIs(t, it.Err, context.Canceled)
	}
	assert.Equal(t, models.RunAbandoned, run.Status)
	assert.Zero(t, h.corpus.Len())
}
