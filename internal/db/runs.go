package db

import (
	"context"

	"github.com/david/grant-intake/internal/models"
	"github.com/rotisserie/eris"
)

// RunStore records batch ingest runs.
type RunStore struct {
	pool Pool
}

func NewRunStore(pool Pool) *RunStore {
	return &RunStore{pool: pool}
}

// StartRun opens a run in the running state and returns its id.
func (s *RunStore) StartRun(ctx context.Context, label string) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx,
		"INSERT INTO ingest_runs (label, status) VALUES ($1, $2) RETURNING run_id::text",
		label, string(models.RunRunning),
	).Scan(&runID)
	if err != nil {
		return "", eris.Wrap(err, "db: start run")
	}
	return runID, nil
}

// FinishRun stores the final counters and status of a run.
func (s *RunStore) FinishRun(ctx context.Context, run models.IngestRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status = $2, items_found = $3, items_accepted = $4, duplicates = $5,
		    rejected = $6, invalid = $7, errors = $8, completed_at = $9
		WHERE run_id = $1::uuid`,
		run.RunID, string(run.Status), run.Found, run.Accepted, run.Duplicates,
		run.Rejected, run.Invalid, run.Errors, run.CompletedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "db: finish run %s", run.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "db: finish run %s", run.RunID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]models.IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, label, status, items_found, items_accepted, duplicates,
		       rejected, invalid, errors, started_at, completed_at
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "db: list runs")
	}
	defer rows.Close()

	var out []models.IngestRun
	for rows.Next() {
		var r models.IngestRun
		var status string
		if err := rows.Scan(&r.RunID, &r.Label, &status, &r.Found, &r.Accepted, &r.Duplicates,
			&r.Rejected, &r.Invalid, &r.Errors, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "db: scan run")
		}
		r.Status = models.RunStatus(status)
		if r.CompletedAt != nil {
			r.DurationMS = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
