package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// DecisionStore keeps one routing decision per candidate record, with the
// extraction outputs that produced it.
type DecisionStore struct {
	pool Pool
}

func NewDecisionStore(pool Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

// SaveDecision writes the decision and its audit rows atomically. A second
// decision for the same record id returns ErrDecisionExists.
func (s *DecisionStore) SaveDecision(ctx context.Context, d models.RoutingDecision, outputs []models.AgentOutput) error {
	verdict, err := json.Marshal(d.Verdict)
	if err != nil {
		return eris.Wrap(err, "db: marshal verdict")
	}
	var breakdown []byte
	if d.Breakdown != nil {
		if breakdown, err = json.Marshal(d.Breakdown); err != nil {
			return eris.Wrap(err, "db: marshal breakdown")
		}
	}
	conflicts := d.Conflicts
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	conflictsJSON, err := json.Marshal(conflicts)
	if err != nil {
		return eris.Wrap(err, "db: marshal conflicts")
	}
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin save decision")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO routing_decisions
			(record_id, canonical_id, source_id, composite_score, state, reasons, verdict, breakdown, conflicts, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.RecordID, d.CanonicalID, d.SourceID, d.CompositeScore, string(d.State), reasons,
		verdict, breakdown, conflictsJSON, d.DecidedAt,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		if _, ok := isUniqueViolation(err); ok {
			return ErrDecisionExists
		}
		return eris.Wrapf(err, "db: insert decision %s", d.RecordID)
	}

	for _, out := range outputs {
		fields, err := json.Marshal(out.Fields)
		if err != nil {
			_ = tx.Rollback(ctx)
			return eris.Wrapf(err, "db: marshal output %s", out.PassID)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO agent_output_audit (record_id, pass_id, latency_ms, fields) VALUES ($1, $2, $3, $4)",
			d.RecordID, out.PassID, out.LatencyMS, fields,
		); err != nil {
			_ = tx.Rollback(ctx)
			return eris.Wrapf(err, "db: insert output audit %s", out.PassID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit decision")
	}
	return nil
}

// GetDecision loads a stored decision.
func (s *DecisionStore) GetDecision(ctx context.Context, recordID uuid.UUID) (*models.RoutingDecision, error) {
	var (
		d                              models.RoutingDecision
		state                          string
		verdict, breakdown, conflicts []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT record_id, canonical_id, source_id, composite_score, state, reasons, verdict, breakdown, conflicts, decided_at
		FROM routing_decisions WHERE record_id = $1`, recordID,
	).Scan(&d.RecordID, &d.CanonicalID, &d.SourceID, &d.CompositeScore, &state, &d.Reasons, &verdict, &breakdown, &conflicts, &d.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "db: get decision %s", recordID)
	}

	d.State = models.RoutingState(state)
	if err := json.Unmarshal(verdict, &d.Verdict); err != nil {
		return nil, eris.Wrap(err, "db: decode verdict")
	}
	if len(breakdown) > 0 {
		d.Breakdown = &models.ScoreBreakdown{}
		if err := json.Unmarshal(breakdown, d.Breakdown); err != nil {
			return nil, eris.Wrap(err, "db: decode breakdown")
		}
	}
	if len(conflicts) > 0 {
		if err := json.Unmarshal(conflicts, &d.Conflicts); err != nil {
			return nil, eris.Wrap(err, "db: decode conflicts")
		}
	}
	return &d, nil
}

// StateCounts tallies decisions per routing state.
func (s *DecisionStore) StateCounts(ctx context.Context) (map[models.RoutingState]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT state, COUNT(*) FROM routing_decisions GROUP BY state")
	if err != nil {
		return nil, eris.Wrap(err, "db: count decisions")
	}
	defer rows.Close()

	out := map[models.RoutingState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "db: scan decision count")
		}
		out[models.RoutingState(state)] = n
	}
	return out, rows.Err()
}
