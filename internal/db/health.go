package db

import (
	"context"
	"errors"

	"github.com/david/grant-intake/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// HealthStore persists per-source health counters.
type HealthStore struct {
	pool Pool
}

func NewHealthStore(pool Pool) *HealthStore {
	return &HealthStore{pool: pool}
}

const healthCols = `source_id, success_count, failure_count, duplicate_count, avg_processing_ms,
	consecutive_failures, circuit_breaker_open, last_failure_at, opened_at, reset_by, updated_at`

func scanHealth(scan func(dest ...any) error) (models.SourceHealth, error) {
	var h models.SourceHealth
	err := scan(
		&h.SourceID, &h.SuccessCount, &h.FailureCount, &h.DuplicateCount, &h.AvgProcessingMS,
		&h.ConsecutiveFailures, &h.CircuitBreakerOpen, &h.LastFailureAt, &h.OpenedAt, &h.ResetBy, &h.UpdatedAt,
	)
	return h, err
}

// Load returns the stored counters, or zeroed counters for an unseen source.
func (s *HealthStore) Load(ctx context.Context, sourceID string) (models.SourceHealth, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+healthCols+" FROM source_health WHERE source_id = $1", sourceID)
	h, err := scanHealth(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SourceHealth{SourceID: sourceID}, nil
		}
		return models.SourceHealth{}, eris.Wrapf(err, "db: load health %s", sourceID)
	}
	return h, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertHealth = `
	INSERT INTO source_health (` + healthCols + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (source_id) DO UPDATE SET
		success_count = EXCLUDED.success_count,
		failure_count = EXCLUDED.failure_count,
		duplicate_count = EXCLUDED.duplicate_count,
		avg_processing_ms = EXCLUDED.avg_processing_ms,
		consecutive_failures = EXCLUDED.consecutive_failures,
		circuit_breaker_open = EXCLUDED.circuit_breaker_open,
		last_failure_at = EXCLUDED.last_failure_at,
		opened_at = EXCLUDED.opened_at,
		reset_by = EXCLUDED.reset_by,
		updated_at = EXCLUDED.updated_at`

func saveHealth(ctx context.Context, ex execer, h models.SourceHealth) error {
	_, err := ex.Exec(ctx, upsertHealth,
		h.SourceID, h.SuccessCount, h.FailureCount, h.DuplicateCount, h.AvgProcessingMS,
		h.ConsecutiveFailures, h.CircuitBreakerOpen, h.LastFailureAt, h.OpenedAt, h.ResetBy, h.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "db: save health %s", h.SourceID)
	}
	return nil
}

// Save upserts the full counter row without locking. Counter updates go
// through Update.
func (s *HealthStore) Save(ctx context.Context, h models.SourceHealth) error {
	return saveHealth(ctx, s.pool, h)
}

// Update applies fn to the source's row inside one transaction holding a
// per-source advisory lock, so writers in every process are serialized. A
// source without a row starts from zeroed counters. An error from fn rolls
// the transaction back and is returned unchanged.
func (s *HealthStore) Update(ctx context.Context, sourceID string, fn func(h *models.SourceHealth) error) (models.SourceHealth, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.SourceHealth{}, eris.Wrapf(err, "db: begin health update %s", sourceID)
	}

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", sourceID); err != nil {
		_ = tx.Rollback(ctx)
		return models.SourceHealth{}, eris.Wrapf(err, "db: lock health %s", sourceID)
	}

	row := tx.QueryRow(ctx, "SELECT "+healthCols+" FROM source_health WHERE source_id = $1 FOR UPDATE", sourceID)
	h, err := scanHealth(row.Scan)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		h = models.SourceHealth{SourceID: sourceID}
	case err != nil:
		_ = tx.Rollback(ctx)
		return models.SourceHealth{}, eris.Wrapf(err, "db: load health %s for update", sourceID)
	}

	if err := fn(&h); err != nil {
		_ = tx.Rollback(ctx)
		return models.SourceHealth{}, err
	}
	h.SourceID = sourceID

	if err := saveHealth(ctx, tx, h); err != nil {
		_ = tx.Rollback(ctx)
		return models.SourceHealth{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.SourceHealth{}, eris.Wrapf(err, "db: commit health %s", sourceID)
	}
	return h, nil
}

// List returns every tracked source ordered by id.
func (s *HealthStore) List(ctx context.Context) ([]models.SourceHealth, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+healthCols+" FROM source_health ORDER BY source_id")
	if err != nil {
		return nil, eris.Wrap(err, "db: list health")
	}
	defer rows.Close()

	var out []models.SourceHealth
	for rows.Next() {
		h, err := scanHealth(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "db: scan health")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
