package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/david/grant-intake/internal/db"
	"github.com/david/grant-intake/internal/models"
	"github.com/google/uuid"
)

// MemoryCorpus is an in-process corpus with the same uniqueness rules as the
// Postgres store: one active record per url_hash and per content_hash.
type MemoryCorpus struct {
	mu      sync.RWMutex
	records map[uuid.UUID]models.CanonicalRecord
	order   []uuid.UUID
}

func NewMemoryCorpus() *MemoryCorpus {
	return &MemoryCorpus{records: map[uuid.UUID]models.CanonicalRecord{}}
}

// FindCandidates returns active records with hash matches first (url, then
// content, then title) and the remaining records in insertion order, so a
// limit never cuts off an exact match.
func (m *MemoryCorpus) FindCandidates(ctx context.Context, fp models.Fingerprint, limit int) ([]models.CanonicalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.CanonicalRecord, 0, len(m.order))
	for _, id := range m.order {
		if rec := m.records[id]; rec.Active {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return hashRank(out[i].Fingerprint, fp) < hashRank(out[j].Fingerprint, fp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hashRank(have, want models.Fingerprint) int {
	switch {
	case want.URLHash != "" && have.URLHash == want.URLHash:
		return 0
	case want.ContentHash != "" && have.ContentHash == want.ContentHash:
		return 1
	case want.TitleHash != "" && have.TitleHash == want.TitleHash:
		return 2
	default:
		return 3
	}
}

func (m *MemoryCorpus) conflictsLocked(rec models.CanonicalRecord, ignore uuid.UUID) bool {
	for id, existing := range m.records {
		if id == ignore || !existing.Active {
			continue
		}
		if existing.Fingerprint.URLHash == rec.Fingerprint.URLHash ||
			existing.Fingerprint.ContentHash == rec.Fingerprint.ContentHash {
			return true
		}
	}
	return false
}

func (m *MemoryCorpus) InsertOrConflict(ctx context.Context, rec models.CanonicalRecord) (models.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflictsLocked(rec, uuid.Nil) {
		return models.InsertConflict, nil
	}
	rec.Active = true
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return models.InsertCreated, nil
}

func (m *MemoryCorpus) Supersede(ctx context.Context, oldID uuid.UUID, rec models.CanonicalRecord) (models.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.records[oldID]
	if !ok || !old.Active {
		return models.InsertConflict, nil
	}
	if m.conflictsLocked(rec, oldID) {
		return models.InsertConflict, nil
	}
	old.Active = false
	m.records[oldID] = old

	id := oldID
	rec.SupersedesID = &id
	rec.Active = true
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return models.InsertCreated, nil
}

func (m *MemoryCorpus) Get(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &rec, nil
}

// Len counts active records.
func (m *MemoryCorpus) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.Active {
			n++
		}
	}
	return n
}

// MemoryHealthStore keeps SourceHealth rows in a map.
type MemoryHealthStore struct {
	mu   sync.Mutex
	rows map[string]models.SourceHealth
}

func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{rows: map[string]models.SourceHealth{}}
}

func (m *MemoryHealthStore) Load(_ context.Context, sourceID string) (models.SourceHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.rows[sourceID]
	if !ok {
		return models.SourceHealth{SourceID: sourceID}, nil
	}
	return h, nil
}

func (m *MemoryHealthStore) Save(_ context.Context, h models.SourceHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[h.SourceID] = h
	return nil
}

// Update applies fn to the source's row while holding the store lock.
func (m *MemoryHealthStore) Update(_ context.Context, sourceID string, fn func(h *models.SourceHealth) error) (models.SourceHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.rows[sourceID]
	if !ok {
		h = models.SourceHealth{SourceID: sourceID}
	}
	if err := fn(&h); err != nil {
		return models.SourceHealth{}, err
	}
	h.SourceID = sourceID
	m.rows[sourceID] = h
	return h, nil
}

func (m *MemoryHealthStore) List(_ context.Context) ([]models.SourceHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SourceHealth, 0, len(m.rows))
	for _, h := range m.rows {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// MemoryDecisionStore keeps routing decisions; a record id is written once.
type MemoryDecisionStore struct {
	mu        sync.Mutex
	decisions map[uuid.UUID]models.RoutingDecision
	audit     map[uuid.UUID][]models.AgentOutput
}

func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{
		decisions: map[uuid.UUID]models.RoutingDecision{},
		audit:     map[uuid.UUID][]models.AgentOutput{},
	}
}

func (m *MemoryDecisionStore) SaveDecision(_ context.Context, d models.RoutingDecision, outputs []models.AgentOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.decisions[d.RecordID]; exists {
		return db.ErrDecisionExists
	}
	m.decisions[d.RecordID] = d
	m.audit[d.RecordID] = outputs
	return nil
}

func (m *MemoryDecisionStore) GetDecision(_ context.Context, recordID uuid.UUID) (*models.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[recordID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &d, nil
}

// Audit returns the extraction outputs stored with a decision.
func (m *MemoryDecisionStore) Audit(recordID uuid.UUID) []models.AgentOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audit[recordID]
}
