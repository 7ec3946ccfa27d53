package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/db"
	"github.com/david/grant-intake/internal/events"
	"github.com/david/grant-intake/internal/metrics"
	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Corpus is the canonical record store. InsertOrConflict and Supersede
// report a lost uniqueness race as InsertConflict.
type Corpus interface {
	CorpusLookup
	InsertOrConflict(ctx context.Context, rec models.CanonicalRecord) (models.InsertResult, error)
	Supersede(ctx context.Context, oldID uuid.UUID, rec models.CanonicalRecord) (models.InsertResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error)
}

// DecisionStore keeps exactly one routing decision per record id, together
// with the extraction outputs it was based on.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d models.RoutingDecision, outputs []models.AgentOutput) error
	GetDecision(ctx context.Context, recordID uuid.UUID) (*models.RoutingDecision, error)
}

// RunStore records batch runs.
type RunStore interface {
	StartRun(ctx context.Context, label string) (string, error)
	FinishRun(ctx context.Context, run models.IngestRun) error
}

// Deps are the collaborators of a Pipeline. Gate, Runs, Embedder,
// References, Publisher and Metrics are optional.
type Deps struct {
	Corpus     Corpus
	Decisions  DecisionStore
	Health     HealthStore
	Gate       BreakerGate
	Runs       RunStore
	Embedder   Embedder
	References ReferenceLookup
	Registry   *Registry
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
}

// Pipeline routes candidate records through fingerprinting, duplicate
// resolution, conflict resolution, scoring and routing.
type Pipeline struct {
	cfg           config.PipelineConfig
	registry      *Registry
	fingerprinter *Fingerprinter
	resolver      *DuplicateResolver
	conflicts     *ConflictResolver
	aggregator    *Aggregator
	router        *Router
	health        *SourceHealthTracker
	corpus        Corpus
	decisions     DecisionStore
	runs          RunStore
	publisher     events.Publisher
	metrics       *metrics.Metrics
	writer        *corpusWriter
	now           func() time.Time
}

// Result is what Process returns for an admitted record.
type Result struct {
	Decision  models.RoutingDecision  `json:"decision"`
	Canonical *models.CanonicalRecord `json:"canonical,omitempty"`
	Health    *models.HealthDelta     `json:"health,omitempty"`
	// Replayed is set when the record id already had a decision; Decision is
	// the stored one and nothing else happened.
	Replayed bool `json:"replayed,omitempty"`
}

func NewPipeline(cfg *config.Config, deps Deps) *Pipeline {
	reg := deps.Registry
	if reg == nil {
		reg = &Registry{}
		reg.index()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.LogPublisher{}
	}

	var observer BreakerObserver
	if deps.Metrics != nil {
		observer = deps.Metrics
	}
	tracker := NewSourceHealthTracker(cfg.Health, deps.Health, deps.Gate, observer)
	tracker.BaseReliability = reg.ReliabilityFunc(cfg.Pipeline.DefaultReliability)

	p := &Pipeline{
		cfg:      cfg.Pipeline,
		registry: reg,
		fingerprinter: &Fingerprinter{
			Embedder:     deps.Embedder,
			EmbedTimeout: cfg.Pipeline.EmbedTimeout,
			Dimensions:   cfg.Embedding.Dimensions,
		},
		resolver: &DuplicateResolver{
			Engine:  NewSimilarityEngine(cfg.Similarity),
			Corpus:  deps.Corpus,
			Limit:   cfg.Pipeline.CandidateLimit,
			Timeout: cfg.Pipeline.LookupTimeout,
		},
		conflicts: &ConflictResolver{
			Cfg:               cfg.Conflicts,
			References:        deps.References,
			ReferenceTimeout:  cfg.Pipeline.ReferenceTimeout,
			DefaultConfidence: cfg.Pipeline.DefaultConfidence,
		},
		aggregator: &Aggregator{Cfg: cfg.Routing},
		router:     &Router{Cfg: cfg.Routing},
		health:     tracker,
		corpus:     deps.Corpus,
		decisions:  deps.Decisions,
		runs:       deps.Runs,
		publisher:  publisher,
		metrics:    deps.Metrics,
		now:        time.Now,
	}
	p.writer = newCorpusWriter(cfg.Pipeline, p.metrics.ObserveWriteRetry)
	return p
}

// Health exposes the source health tracker.
func (p *Pipeline) Health() *SourceHealthTracker { return p.health }

// Registry exposes the source registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Decision returns the stored routing decision for a record.
func (p *Pipeline) Decision(ctx context.Context, recordID uuid.UUID) (*models.RoutingDecision, error) {
	return p.decisions.GetDecision(ctx, recordID)
}

// Canonical returns a canonical record by id.
func (p *Pipeline) Canonical(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error) {
	return p.corpus.Get(ctx, id)
}

// Process pushes one candidate record through the funnel.
//
// A record that is admitted always ends in exactly one routing decision.
// Records that are never admitted return a ValidationError or
// ErrSourceCircuitOpen. A record id that was already decided returns the
// stored decision unchanged. Cancellation before the corpus write abandons the
// record without side effects and returns the context error; once the write
// has started the record is carried to its decision.
func (p *Pipeline) Process(ctx context.Context, rec models.CandidateRecord) (Result, error) {
	start := p.now()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = start
	}

	if err := Validate(rec, p.registry); err != nil {
		p.metrics.ObserveAdmissionError("validation")
		return Result{}, err
	}
	if stored := p.storedDecision(ctx, rec.ID); stored != nil {
		zap.L().Info("record already decided, returning stored decision",
			zap.String("record_id", rec.ID.String()),
			zap.String("state", string(stored.State)),
		)
		return Result{Decision: *stored, Replayed: true}, nil
	}

	allowed, err := p.health.Allow(ctx, rec.SourceID)
	if err != nil {
		p.metrics.ObserveAdmissionError("dependency")
		return Result{}, classifyDependencyError("source health", err)
	}
	if !allowed {
		p.metrics.ObserveFastFail(rec.SourceID)
		return Result{}, eris.Wrapf(ErrSourceCircuitOpen, "source %s", rec.SourceID)
	}
	if err := ctx.Err(); err != nil {
		p.metrics.ObserveAdmissionError("abandoned")
		return Result{}, err
	}

	fp := p.fingerprinter.Fingerprint(ctx, rec)

	out, err := p.route(ctx, rec, fp)
	if err != nil {
		p.metrics.ObserveAdmissionError("abandoned")
		zap.L().Info("record abandoned before corpus write",
			zap.String("record_id", rec.ID.String()),
			zap.String("source_id", rec.SourceID),
			zap.Error(err),
		)
		return Result{}, err
	}

	p.finish(ctx, rec, &out, p.now().Sub(start))
	return out, nil
}

// storedDecision returns the decision already recorded for id, if any. A
// failing decision store does not block admission; the unique record id
// still guards the final write.
func (p *Pipeline) storedDecision(ctx context.Context, id uuid.UUID) *models.RoutingDecision {
	d, err := p.decisions.GetDecision(ctx, id)
	switch {
	case err == nil:
		return d
	case errors.Is(err, db.ErrNotFound):
		return nil
	default:
		zap.L().Warn("decision lookup failed, admitting record",
			zap.String("record_id", id.String()),
			zap.Error(err),
		)
		return nil
	}
}

func (p *Pipeline) route(ctx context.Context, rec models.CandidateRecord, fp models.Fingerprint) (Result, error) {
	rounds := p.cfg.MaxRaceRounds
	if rounds <= 0 {
		rounds = 1
	}

	committed := false
	var last models.RoutingDecision
	for round := 1; round <= rounds; round++ {
		verdict, err := p.resolver.Resolve(ctx, rec, fp)
		if err != nil {
			if !committed && ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{Decision: parkDecision(p.baseDecision(rec), err)}, nil
		}
		p.metrics.ObserveVerdict(string(verdict.MatchType), string(verdict.Action))

		supersedes := rec.SupersedesID != nil && verdict.MatchedID != nil && *verdict.MatchedID == *rec.SupersedesID
		if verdict.Action == models.ActionSkip && !supersedes {
			d := p.baseDecision(rec)
			d.Verdict = verdict
			d.State = models.StateRejected
			d.Reasons = DuplicateReasons(verdict)
			return Result{Decision: d}, nil
		}

		resolutions, conflicts := p.conflicts.Resolve(ctx, rec, rec.Outputs)
		scored := verdict
		if supersedes {
			scored.Action = models.ActionProceed
		}
		breakdown := p.aggregator.Aggregate(resolutions, scored, p.health.Reliability(ctx, rec.SourceID))
		state, reasons := p.router.Decide(breakdown, unresolvedFields(resolutions))

		d := p.baseDecision(rec)
		d.Verdict = verdict
		d.CompositeScore = breakdown.Composite
		d.State = state
		d.Breakdown = &breakdown
		d.Conflicts = conflicts
		if supersedes {
			d.Reasons = append([]string{fmt.Sprintf("supersedes %s", rec.SupersedesID)}, reasons...)
		} else {
			d.Reasons = append(verdictReasons(verdict), reasons...)
		}

		if state == models.StateRejected {
			return Result{Decision: d}, nil
		}

		if supersedes {
			existing, err := p.corpus.Get(ctx, *rec.SupersedesID)
			if err != nil {
				if !committed && ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				return Result{Decision: parkDecision(d, classifyDependencyError("corpus lookup", err))}, nil
			}
			if d.CompositeScore <= existing.CompositeScore {
				d.State = models.StateRejected
				d.Reasons = append([]string{models.ReasonSupersedeNotHigher}, d.Reasons...)
				return Result{Decision: d}, nil
			}
		}

		// Last point at which cancellation abandons the record.
		if !committed {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			ctx = context.WithoutCancel(ctx)
			committed = true
		}

		canonical := p.canonicalFor(rec, fp, resolutions, d, supersedes)
		res, err := p.writer.write(ctx, rec.ID.String(), func(wctx context.Context) (models.InsertResult, error) {
			if supersedes {
				return p.corpus.Supersede(wctx, *rec.SupersedesID, canonical)
			}
			return p.corpus.InsertOrConflict(wctx, canonical)
		})
		if err != nil {
			return Result{Decision: parkDecision(d, err)}, nil
		}
		if res == models.InsertCreated {
			id := canonical.ID
			d.CanonicalID = &id
			return Result{Decision: d, Canonical: &canonical}, nil
		}

		p.metrics.ObserveRaceLost()
		zap.L().Info("corpus uniqueness race lost, re-resolving",
			zap.String("record_id", rec.ID.String()),
			zap.Int("round", round),
		)
		last = d
	}

	return Result{Decision: parkDecision(last, eris.Wrapf(ErrCorpusRaceLost, "after %d rounds", rounds))}, nil
}

func (p *Pipeline) baseDecision(rec models.CandidateRecord) models.RoutingDecision {
	return models.RoutingDecision{
		RecordID: rec.ID,
		SourceID: rec.SourceID,
		Verdict: models.DuplicateVerdict{
			MatchType: models.MatchNone,
			Action:    models.ActionProceed,
		},
	}
}

// parkDecision sends a record to human review when the corpus could not be
// read or written. The record is kept, never dropped.
func parkDecision(d models.RoutingDecision, cause error) models.RoutingDecision {
	d.State = models.StateHumanReview
	d.CanonicalID = nil
	reasons := []string{models.ReasonCorpusUnavailable}
	if cause != nil {
		reasons = append(reasons, cause.Error())
	}
	d.Reasons = append(reasons, d.Reasons...)
	return d
}

// canonicalFor builds the corpus row from the resolved field values, falling
// back to what the record declared. The supersedes link is kept only when the
// record really replaces the canonical it names.
func (p *Pipeline) canonicalFor(rec models.CandidateRecord, fp models.Fingerprint, resolutions map[string]models.Resolution, d models.RoutingDecision, supersedes bool) models.CanonicalRecord {
	now := p.now()
	c := models.CanonicalRecord{
		ID:             uuid.New(),
		Title:          rec.Title,
		Description:    rec.Description,
		Organization:   rec.Organization,
		URL:            rec.URL,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		Deadline:       rec.Deadline,
		SourceID:       rec.SourceID,
		Fingerprint:    fp,
		CompositeScore: d.CompositeScore,
		State:          d.State,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if supersedes {
		c.SupersedesID = rec.SupersedesID
	}

	if s := resolvedText(resolutions, models.FieldTitle); s != "" {
		c.Title = s
	}
	if s := resolvedText(resolutions, models.FieldDescription); s != "" {
		c.Description = s
	}
	if s := resolvedText(resolutions, models.FieldOrganization); s != "" {
		c.Organization = s
	}
	if s := resolvedText(resolutions, models.FieldCurrency); s != "" {
		c.Currency = s
	}
	if res, ok := resolutions[models.FieldAmount]; ok {
		if v, ok := parseAmount(res.Value); ok {
			c.Amount = &v
		}
	}
	if res, ok := resolutions[models.FieldDeadline]; ok {
		if t, ok := parseDate(res.Value); ok {
			c.Deadline = &t
		}
	}
	c.Description = sanitizeDescription(c.Description)
	return c
}

func resolvedText(resolutions map[string]models.Resolution, field string) string {
	res, ok := resolutions[field]
	if !ok {
		return ""
	}
	return normalizeSpace(textOf(res.Value))
}

// finish persists the decision, folds it into source health and publishes
// both events. Nothing here is cancellable.
func (p *Pipeline) finish(ctx context.Context, rec models.CandidateRecord, out *Result, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	d := &out.Decision
	d.DecidedAt = p.now()

	if err := p.decisions.SaveDecision(ctx, *d, rec.Outputs); err != nil {
		zap.L().Error("failed to persist routing decision",
			zap.String("record_id", d.RecordID.String()),
			zap.Error(err),
		)
	}

	delta, err := p.health.Observe(ctx, rec.SourceID, *d, elapsed)
	if err != nil {
		zap.L().Error("failed to update source health",
			zap.String("source_id", rec.SourceID),
			zap.Error(err),
		)
	} else {
		out.Health = &delta
	}

	if err := p.publisher.PublishDecision(ctx, *d); err != nil {
		zap.L().Warn("failed to publish routing decision", zap.String("record_id", d.RecordID.String()), zap.Error(err))
	}
	if out.Health != nil {
		if err := p.publisher.PublishHealth(ctx, *out.Health); err != nil {
			zap.L().Warn("failed to publish source health", zap.String("source_id", rec.SourceID), zap.Error(err))
		}
	}

	for _, c := range d.Conflicts {
		p.metrics.ObserveConflict(c.Field, string(c.Kind))
	}
	p.metrics.ObserveDecision(rec.SourceID, string(d.State), d.CompositeScore, elapsed)

	zap.L().Info("record routed",
		zap.String("record_id", d.RecordID.String()),
		zap.String("source_id", rec.SourceID),
		zap.String("state", string(d.State)),
		zap.Float64("composite_score", d.CompositeScore),
		zap.String("match_type", string(d.Verdict.MatchType)),
		zap.Duration("elapsed", elapsed),
	)
}

// ResetSource closes a source's breaker on operator request and publishes
// the resulting health delta.
func (p *Pipeline) ResetSource(ctx context.Context, sourceID, operator string, clearCounters bool) (models.HealthDelta, error) {
	delta, err := p.health.Reset(ctx, sourceID, operator, clearCounters)
	if err != nil {
		return models.HealthDelta{}, err
	}
	zap.L().Info("source health reset",
		zap.String("source_id", sourceID),
		zap.String("operator", operator),
		zap.Bool("clear_counters", clearCounters),
	)
	if err := p.publisher.PublishHealth(context.WithoutCancel(ctx), delta); err != nil {
		zap.L().Warn("failed to publish source health", zap.String("source_id", sourceID), zap.Error(err))
	}
	return delta, nil
}

// BatchItem is the outcome of one record in a batch.
type BatchItem struct {
	Index    int       `json:"index"`
	RecordID uuid.UUID `json:"record_id"`
	Result   *Result   `json:"result,omitempty"`
	Err      error     `json:"-"`
}

// ProcessBatch processes records with at most MaxInFlight in flight and
// records the batch as an ingest run. undecodable is the number of payloads
// of the same batch that never decoded into a record; they count as found
// and invalid. Records not yet started when ctx is cancelled are abandoned.
func (p *Pipeline) ProcessBatch(ctx context.Context, label string, recs []models.CandidateRecord, undecodable int) ([]BatchItem, models.IngestRun) {
	if undecodable < 0 {
		undecodable = 0
	}
	run := models.IngestRun{
		Label:     label,
		Status:    models.RunRunning,
		Found:     len(recs) + undecodable,
		Invalid:   undecodable,
		StartedAt: p.now(),
	}
	if p.runs != nil {
		id, err := p.runs.StartRun(ctx, label)
		if err != nil {
			zap.L().Warn("failed to create ingest run", zap.String("label", label), zap.Error(err))
		} else {
			run.RunID = id
		}
	}

	limit := p.cfg.MaxInFlight
	if limit <= 0 {
		limit = 1
	}

	items := make([]BatchItem, len(recs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range recs {
		rec := recs[i]
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		items[i] = BatchItem{Index: i, RecordID: rec.ID}
		if err := ctx.Err(); err != nil {
			items[i].Err = err
			continue
		}
		g.Go(func() error {
			res, err := p.Process(ctx, rec)
			if err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result = &res
			return nil
		})
	}
	_ = g.Wait()

	tallyRun(&run, items)
	if ctx.Err() != nil {
		run.Status = models.RunAbandoned
	}
	completed := p.now()
	run.CompletedAt = &completed
	run.DurationMS = completed.Sub(run.StartedAt).Milliseconds()

	if p.runs != nil && run.RunID != "" {
		if err := p.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			zap.L().Warn("failed to update ingest run", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	zap.L().Info("batch complete",
		zap.String("label", label),
		zap.String("status", string(run.Status)),
		zap.Int("found", run.Found),
		zap.Int("accepted", run.Accepted),
		zap.Int("duplicates", run.Duplicates),
		zap.Int("rejected", run.Rejected),
		zap.Int("invalid", run.Invalid),
		zap.Int("errors", run.Errors),
	)
	return items, run
}

func tallyRun(run *models.IngestRun, items []BatchItem) {
	for _, it := range items {
		switch {
		case it.Err != nil && IsValidation(it.Err):
			run.Invalid++
		case it.Err != nil:
			run.Errors++
		case it.Result.Replayed:
			run.Duplicates++
		case OutcomeOf(it.Result.Decision) == models.OutcomeDuplicate:
			run.Duplicates++
		case it.Result.Decision.State.Accepted():
			run.Accepted++
		default:
			run.Rejected++
		}
	}

	run.Status = models.RunCompleted
	if run.Found > 0 && run.Errors+run.Invalid == run.Found {
		run.Status = models.RunFailed
	}
}
