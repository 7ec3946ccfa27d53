package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/stretchr/testify/assert"
)

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

func TestHashes_NormalizesBeforeHashing(t *testing.T) {
	a := Hashes(models.CandidateRecord{Title: "AI Grant 2025", Description: "<p>Funding for <b>AI</b></p>", Organization: "X Foundation", URL: "https://x.org/grant?utm_source=nl"})
	b := Hashes(models.CandidateRecord{Title: "  ai grant   2025", Description: "funding for ai", Organization: "x foundation", URL: "X.ORG/grant/"})

	assert.Equal(t, a.URLHash, b.URLHash)
	assert.Equal(t, a.TitleHash, b.TitleHash)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, "https://x.org/grant", a.NormalizedURL)
	assert.Len(t, a.URLHash, 64)
}

func TestHashes_FieldBoundariesMatter(t *testing.T) {
	a := Hashes(models.CandidateRecord{Title: "ab", Description: "c", URL: "https://x.org"})
	b := Hashes(models.CandidateRecord{Title: "a", Description: "bc", URL: "https://x.org"})
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestFingerprint_Embedding(t *testing.T) {
	rec := models.CandidateRecord{Title: "AI Grant 2025", Description: "Funding", URL: "https://x.org/grant"}

	f := &Fingerprinter{Embedder: embedFunc(func(_ context.Context, text string) ([]float32, error) {
		assert.Equal(t, "AI Grant 2025 Funding", text)
		return []float32{0.1, 0.2}, nil
	})}
	assert.Equal(t, []float32{0.1, 0.2}, f.Fingerprint(context.Background(), rec).SemanticVector)
}

func TestFingerprint_EmbeddingFailureDegrades(t *testing.T) {
	rec := models.CandidateRecord{Title: "AI Grant 2025", URL: "https://x.org/grant"}
	want := Hashes(rec)

	failing := &Fingerprinter{Embedder: embedFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("ollama down")
	})}
	assert.Equal(t, want, failing.Fingerprint(context.Background(), rec))

	slow := &Fingerprinter{
		EmbedTimeout: 10 * time.Millisecond,
		Embedder: embedFunc(func(ctx context.Context, _ string) ([]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	assert.Equal(t, want, slow.Fingerprint(context.Background(), rec))

	var none *Fingerprinter
	assert.Equal(t, want, none.Fingerprint(context.Background(), rec))
}

func TestFingerprint_WrongWidthVectorIsDropped(t *testing.T) {
	rec := models.CandidateRecord{Title: "AI Grant 2025", URL: "https://x.org/grant"}
	embed := embedFunc(func(context.Context, string) ([]float32, error) {
		return []float32{0.1, 0.2, 0.3}, nil
	})

	narrow := &Fingerprinter{Embedder: embed, Dimensions: 2}
	assert.Equal(t, Hashes(rec), narrow.Fingerprint(context.Background(), rec))

	exact := &Fingerprinter{Embedder: embed, Dimensions: 3}
	assert.Len(t, exact.Fingerprint(context.Background(), rec).SemanticVector, 3)
}

func TestCheckEmbeddingWidth(t *testing.T) {
	embed := embedFunc(func(context.Context, string) ([]float32, error) {
		return make([]float32, 1024), nil
	})
	assert.NoError(t, CheckEmbeddingWidth(context.Background(), embed, 1024))

	err := CheckEmbeddingWidth(context.Background(), embed, 768)
	assert.ErrorIs(t, err, ErrEmbeddingWidth)

	down := embedFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	})
	err = CheckEmbeddingWidth(context.Background(), down, 768)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmbeddingWidth)
}
