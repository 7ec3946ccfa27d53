package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// HealthStore persists one SourceHealth row per source. Load returns a zero
// row carrying only the source id when nothing is stored yet. Update runs fn
// against the current row with every other writer of that source excluded,
// across processes, and stores the result unless fn fails.
type HealthStore interface {
	Load(ctx context.Context, sourceID string) (models.SourceHealth, error)
	Update(ctx context.Context, sourceID string, fn func(h *models.SourceHealth) error) (models.SourceHealth, error)
	List(ctx context.Context) ([]models.SourceHealth, error)
}

// BreakerGate shares open breakers between pipeline instances. Entries
// expire on their own after the cool-down.
type BreakerGate interface {
	Open(ctx context.Context, sourceID string, ttl time.Duration) error
	IsOpen(ctx context.Context, sourceID string) (bool, error)
	Clear(ctx context.Context, sourceID string) error
}

// BreakerObserver is notified of breaker transitions.
type BreakerObserver interface {
	BreakerChanged(sourceID string, open bool)
}

// SourceHealthTracker keeps per-source counters and the circuit breaker.
// Updates for one source are serialized by the store; the tracker holds no
// per-source state of its own.
type SourceHealthTracker struct {
	cfg      config.HealthConfig
	store    HealthStore
	gate     BreakerGate
	observer BreakerObserver

	// BaseReliability returns the configured reliability of a source.
	BaseReliability func(sourceID string) float64

	nowFunc func() time.Time
}

func NewSourceHealthTracker(cfg config.HealthConfig, store HealthStore, gate BreakerGate, observer BreakerObserver) *SourceHealthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = 0.2
	}
	return &SourceHealthTracker{
		cfg:      cfg,
		store:    store,
		gate:     gate,
		observer: observer,
		nowFunc:  time.Now,
	}
}

// OutcomeOf classifies a routing decision for health accounting. Records
// parked because the corpus was unavailable say nothing about the source.
func OutcomeOf(d models.RoutingDecision) models.HealthOutcome {
	if len(d.Reasons) > 0 && d.Reasons[0] == models.ReasonCorpusUnavailable {
		return models.OutcomeParked
	}
	if d.State.Accepted() {
		return models.OutcomeSuccess
	}
	if len(d.Reasons) > 0 && d.Reasons[0] == models.ReasonDuplicate {
		return models.OutcomeDuplicate
	}
	return models.OutcomeFailure
}

// Observe folds one routing decision into the source's counters and opens the
// breaker once consecutive failures reach the threshold.
func (t *SourceHealthTracker) Observe(ctx context.Context, sourceID string, d models.RoutingDecision, elapsed time.Duration) (models.HealthDelta, error) {
	now := t.nowFunc()
	delta := models.HealthDelta{
		SourceID:  sourceID,
		RecordID:  d.RecordID.String(),
		Outcome:   OutcomeOf(d),
		ElapsedMS: elapsed.Milliseconds(),
		At:        now,
	}

	h, err := t.store.Update(ctx, sourceID, func(h *models.SourceHealth) error {
		delta.BreakerOpened = false

		first := h.SuccessCount+h.FailureCount+h.DuplicateCount == 0
		ms := float64(elapsed.Microseconds()) / 1000
		if first {
			h.AvgProcessingMS = ms
		} else {
			h.AvgProcessingMS = t.cfg.LatencyAlpha*ms + (1-t.cfg.LatencyAlpha)*h.AvgProcessingMS
		}

		switch delta.Outcome {
		case models.OutcomeSuccess:
			h.SuccessCount++
			h.ConsecutiveFailures = 0
		case models.OutcomeDuplicate:
			h.DuplicateCount++
		case models.OutcomeFailure:
			h.FailureCount++
			h.ConsecutiveFailures++
			h.LastFailureAt = &now
			if !h.CircuitBreakerOpen && h.ConsecutiveFailures >= t.cfg.FailureThreshold {
				h.CircuitBreakerOpen = true
				h.OpenedAt = &now
				h.ResetBy = ""
				delta.BreakerOpened = true
			}
		}
		h.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.HealthDelta{}, eris.Wrapf(err, "health: update %s", sourceID)
	}
	delta.After = h

	if delta.BreakerOpened {
		zap.L().Warn("source circuit breaker opened",
			zap.String("source_id", sourceID),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
		)
		if t.gate != nil {
			if err := t.gate.Open(ctx, sourceID, t.cfg.Cooldown); err != nil {
				zap.L().Warn("breaker gate open failed", zap.String("source_id", sourceID), zap.Error(err))
			}
		}
		if t.observer != nil {
			t.observer.BreakerChanged(sourceID, true)
		}
	}
	return delta, nil
}

// Allow reports whether new records from the source may enter the funnel.
// An open breaker closes itself once the cool-down has passed without a
// further failure.
func (t *SourceHealthTracker) Allow(ctx context.Context, sourceID string) (bool, error) {
	if t.gate != nil {
		open, err := t.gate.IsOpen(ctx, sourceID)
		if err != nil {
			zap.L().Warn("breaker gate check failed", zap.String("source_id", sourceID), zap.Error(err))
		} else if open {
			return false, nil
		}
	}

	h, err := t.store.Load(ctx, sourceID)
	if err != nil {
		return false, eris.Wrapf(err, "health: load %s", sourceID)
	}
	if !h.CircuitBreakerOpen {
		return true, nil
	}
	if !t.cooledDown(h, t.nowFunc()) {
		return false, nil
	}

	// Another instance may have closed, or re-tripped, the breaker since the
	// read above.
	closedNow := false
	_, err = t.store.Update(ctx, sourceID, func(h *models.SourceHealth) error {
		closedNow = false
		if !h.CircuitBreakerOpen {
			return nil
		}
		now := t.nowFunc()
		if !t.cooledDown(*h, now) {
			return errStillOpen
		}
		t.close(h, string(models.OutcomeCooldown), now)
		closedNow = true
		return nil
	})
	if errors.Is(err, errStillOpen) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "health: update %s", sourceID)
	}
	if closedNow {
		t.closed(ctx, sourceID, "cooldown")
	}
	return true, nil
}

var errStillOpen = eris.New("breaker still open")

func (t *SourceHealthTracker) cooledDown(h models.SourceHealth, now time.Time) bool {
	since := h.OpenedAt
	if h.LastFailureAt != nil {
		since = h.LastFailureAt
	}
	return t.cfg.Cooldown > 0 && since != nil && now.Sub(*since) >= t.cfg.Cooldown
}

// Reset closes the breaker on operator override. With clearCounters the
// rolling counters start over as well.
func (t *SourceHealthTracker) Reset(ctx context.Context, sourceID, operator string, clearCounters bool) (models.HealthDelta, error) {
	now := t.nowFunc()
	wasOpen := false
	h, err := t.store.Update(ctx, sourceID, func(h *models.SourceHealth) error {
		wasOpen = h.CircuitBreakerOpen
		if clearCounters {
			*h = models.SourceHealth{SourceID: sourceID}
		}
		t.close(h, operator, now)
		return nil
	})
	if err != nil {
		return models.HealthDelta{}, eris.Wrapf(err, "health: update %s", sourceID)
	}
	if wasOpen {
		t.closed(ctx, sourceID, operator)
	} else if t.gate != nil {
		_ = t.gate.Clear(ctx, sourceID)
	}

	return models.HealthDelta{
		SourceID:      sourceID,
		Outcome:       models.OutcomeReset,
		BreakerClosed: wasOpen,
		After:         h,
		At:            now,
	}, nil
}

func (t *SourceHealthTracker) close(h *models.SourceHealth, by string, now time.Time) {
	h.CircuitBreakerOpen = false
	h.ConsecutiveFailures = 0
	h.OpenedAt = nil
	h.ResetBy = by
	h.UpdatedAt = now
}

func (t *SourceHealthTracker) closed(ctx context.Context, sourceID, by string) {
	zap.L().Info("source circuit breaker closed", zap.String("source_id", sourceID), zap.String("by", by))
	if t.gate != nil {
		if err := t.gate.Clear(ctx, sourceID); err != nil {
			zap.L().Warn("breaker gate clear failed", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
	if t.observer != nil {
		t.observer.BreakerChanged(sourceID, false)
	}
}

// Reliability is the source's configured reliability, blended with its
// observed success ratio once enough outcomes have been seen.
func (t *SourceHealthTracker) Reliability(ctx context.Context, sourceID string) float64 {
	base := 1.0
	if t.BaseReliability != nil {
		base = t.BaseReliability(sourceID)
	}
	h, err := t.store.Load(ctx, sourceID)
	if err != nil {
		zap.L().Warn("health: reliability lookup failed", zap.String("source_id", sourceID), zap.Error(err))
		return clamp01(base)
	}
	obs := h.Observations()
	if obs == 0 || obs < t.cfg.MinObservations {
		return clamp01(base)
	}
	ratio := float64(h.SuccessCount) / float64(obs)
	return clamp01(0.5*base + 0.5*ratio)
}

// Snapshot returns the current row for a source.
func (t *SourceHealthTracker) Snapshot(ctx context.Context, sourceID string) (models.SourceHealth, error) {
	return t.store.Load(ctx, sourceID)
}

// List returns every tracked source.
func (t *SourceHealthTracker) List(ctx context.Context) ([]models.SourceHealth, error) {
	return t.store.List(ctx)
}
