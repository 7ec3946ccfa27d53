package db

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CorpusStore keeps canonical records. Partial unique indexes on url_hash and
// content_hash (active rows only) arbitrate concurrent writers.
type CorpusStore struct {
	pool Pool
}

func NewCorpusStore(pool Pool) *CorpusStore {
	return &CorpusStore{pool: pool}
}

const canonicalCols = `id, title, description, organization, url, amount, currency, deadline, source_id,
	url_hash, content_hash, title_hash, normalized_url, title_norm, embedding,
	composite_score, state, active, supersedes_id, created_at, updated_at`

// titleSimilarityFloor bounds the trigram prefilter; the similarity engine
// applies the real threshold afterwards.
const titleSimilarityFloor = 0.5

func scanCanonical(scan func(dest ...any) error) (models.CanonicalRecord, error) {
	var c models.CanonicalRecord
	var embedding *pgvector.Vector
	var state string

	err := scan(
		&c.ID, &c.Title, &c.Description, &c.Organization, &c.URL, &c.Amount, &c.Currency, &c.Deadline, &c.SourceID,
		&c.Fingerprint.URLHash, &c.Fingerprint.ContentHash, &c.Fingerprint.TitleHash, &c.Fingerprint.NormalizedURL,
		&c.Fingerprint.NormalizedTitle, &embedding,
		&c.CompositeScore, &state, &c.Active, &c.SupersedesID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.State = models.RoutingState(state)
	if embedding != nil {
		c.Fingerprint.SemanticVector = embedding.Slice()
	}
	return c, nil
}

func collectCanonical(rows pgx.Rows) ([]models.CanonicalRecord, error) {
	defer rows.Close()
	var out []models.CanonicalRecord
	for rows.Next() {
		c, err := scanCanonical(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "db: scan canonical record")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func hostOf(normalizedURL string) string {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// FindCandidates returns active records sharing a hash or host with the
// fingerprint, or with a trigram-similar title, plus the nearest neighbours
// by embedding when the fingerprint has one. Every branch is index-backed
// and bounded by limit.
func (s *CorpusStore) FindCandidates(ctx context.Context, fp models.Fingerprint, limit int) ([]models.CanonicalRecord, error) {
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+canonicalCols+`
		FROM canonical_records
		WHERE active
		  AND (url_hash = $1
		       OR content_hash = $2
		       OR title_hash = $3
		       OR (url_host <> '' AND url_host = $4)
		       OR (title_norm <> '' AND similarity(title_norm, $5) >= $6))
		ORDER BY (url_hash = $1) DESC,
		         (content_hash = $2) DESC,
		         similarity(title_norm, $5) DESC,
		         updated_at DESC
		LIMIT $7`,
		fp.URLHash, fp.ContentHash, fp.TitleHash, hostOf(fp.NormalizedURL), fp.NormalizedTitle, titleSimilarityFloor, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "db: find candidates")
	}
	out, err := collectCanonical(rows)
	if err != nil {
		return nil, err
	}

	if len(fp.SemanticVector) == 0 {
		return out, nil
	}

	rows, err = s.pool.Query(ctx, `
		SELECT `+canonicalCols+`
		FROM canonical_records
		WHERE active AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(fp.SemanticVector), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "db: find semantic neighbours")
	}
	near, err := collectCanonical(rows)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool, len(out))
	for _, c := range out {
		seen[c.ID] = true
	}
	for _, c := range near {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

const insertCanonicalSQL = `
	INSERT INTO canonical_records (
		id, title, description, organization, url, amount, currency, deadline, source_id,
		url_hash, content_hash, title_hash, normalized_url, url_host, title_norm, embedding,
		composite_score, state, active, supersedes_id, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, TRUE, $19, $20, $21)`

func insertArgs(rec models.CanonicalRecord) []any {
	var embedding *pgvector.Vector
	if len(rec.Fingerprint.SemanticVector) > 0 {
		v := pgvector.NewVector(rec.Fingerprint.SemanticVector)
		embedding = &v
	}
	now := time.Now().UTC()
	created, updated := rec.CreatedAt, rec.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	fp := rec.Fingerprint
	return []any{
		rec.ID, rec.Title, rec.Description, rec.Organization, rec.URL, rec.Amount, rec.Currency, rec.Deadline, rec.SourceID,
		fp.URLHash, fp.ContentHash, fp.TitleHash, fp.NormalizedURL, hostOf(fp.NormalizedURL), fp.NormalizedTitle, embedding,
		rec.CompositeScore, string(rec.State), rec.SupersedesID, created, updated,
	}
}

// InsertOrConflict inserts rec as an active record. A unique violation means
// another writer already holds the URL or content and is reported as
// InsertConflict.
func (s *CorpusStore) InsertOrConflict(ctx context.Context, rec models.CanonicalRecord) (models.InsertResult, error) {
	if _, err := s.pool.Exec(ctx, insertCanonicalSQL, insertArgs(rec)...); err != nil {
		if constraint, ok := isUniqueViolation(err); ok {
			zap.L().Debug("canonical insert lost uniqueness race",
				zap.String("id", rec.ID.String()),
				zap.String("constraint", constraint),
			)
			return models.InsertConflict, nil
		}
		return "", eris.Wrap(err, "db: insert canonical record")
	}
	return models.InsertCreated, nil
}

// Supersede deactivates oldID and inserts rec in one transaction. If oldID is
// no longer active, or rec collides with another active record, nothing
// changes and InsertConflict is returned.
func (s *CorpusStore) Supersede(ctx context.Context, oldID uuid.UUID, rec models.CanonicalRecord) (models.InsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "db: begin supersede")
	}

	tag, err := tx.Exec(ctx,
		"UPDATE canonical_records SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active",
		oldID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return "", eris.Wrap(err, "db: deactivate superseded record")
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return models.InsertConflict, nil
	}

	id := oldID
	rec.SupersedesID = &id
	if _, err := tx.Exec(ctx, insertCanonicalSQL, insertArgs(rec)...); err != nil {
		_ = tx.Rollback(ctx)
		if _, ok := isUniqueViolation(err); ok {
			return models.InsertConflict, nil
		}
		return "", eris.Wrap(err, "db: insert superseding record")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "db: commit supersede")
	}
	return models.InsertCreated, nil
}

// Get returns a canonical record by id, active or not.
func (s *CorpusStore) Get(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+canonicalCols+" FROM canonical_records WHERE id = $1", id)
	c, err := scanCanonical(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "db: get canonical record %s", id)
	}
	return &c, nil
}

// CountActive returns the number of live canonical records.
func (s *CorpusStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM canonical_records WHERE active").Scan(&n); err != nil {
		return 0, eris.Wrap(err, "db: count canonical records")
	}
	return n, nil
}
