package ingest

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/david/grant-intake/internal/models"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// contentSeparator joins the fields of the content hash; it cannot occur in
// normalized text.
const contentSeparator = "\x1f"

// Embedder produces a semantic vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Fingerprinter derives fingerprints from candidate records. Embedder is
// optional; without it the semantic vector is omitted. Dimensions, when set,
// is the only vector width the corpus column accepts.
type Fingerprinter struct {
	Embedder     Embedder
	EmbedTimeout time.Duration
	Dimensions   int
}

// ErrEmbeddingWidth reports an embedding model whose vectors do not fit the
// configured column width.
var ErrEmbeddingWidth = eris.New("embedding width mismatch")

// CheckEmbeddingWidth embeds a sample text once and compares the vector
// width with want. Failures of the call itself are returned as-is.
func CheckEmbeddingWidth(ctx context.Context, e Embedder, want int) error {
	vec, err := e.Embed(ctx, "grant funding opportunity")
	if err != nil {
		return eris.Wrap(err, "sample embedding")
	}
	if want > 0 && len(vec) != want {
		return eris.Wrapf(ErrEmbeddingWidth, "model returns %d dimensions, column holds %d", len(vec), want)
	}
	return nil
}

func hashString(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Hashes computes the deterministic part of a fingerprint.
func Hashes(rec models.CandidateRecord) models.Fingerprint {
	normURL := NormalizeURL(rec.URL)
	title := normalizeText(rec.Title)
	content := strings.Join([]string{
		title,
		normalizeText(rec.Description),
		normalizeText(rec.Organization),
	}, contentSeparator)

	return models.Fingerprint{
		TitleHash:       hashString(title),
		ContentHash:     hashString(content),
		URLHash:         hashString(normURL),
		NormalizedURL:   normURL,
		NormalizedTitle: title,
	}
}

// Fingerprint computes hashes and, when an embedder is configured, the
// semantic vector of title and description. Embedding failures and timeouts
// degrade to a fingerprint without a vector.
func (f *Fingerprinter) Fingerprint(ctx context.Context, rec models.CandidateRecord) models.Fingerprint {
	fp := Hashes(rec)
	if f == nil || f.Embedder == nil {
		return fp
	}

	embedCtx := ctx
	if f.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, f.EmbedTimeout)
		defer cancel()
	}

	text := normalizeSpace(HTMLToText(rec.Title) + " " + HTMLToText(rec.Description))
	vec, err := f.Embedder.Embed(embedCtx, text)
	if err != nil {
		depErr := classifyDependencyError("embedding", err)
		zap.L().Warn("embedding unavailable, skipping semantic step",
			zap.String("record_id", rec.ID.String()),
			zap.String("kind", string(depErr.Kind)),
			zap.Error(err),
		)
		return fp
	}
	if f.Dimensions > 0 && len(vec) > 0 && len(vec) != f.Dimensions {
		zap.L().Warn("embedding width mismatch, skipping semantic step",
			zap.String("record_id", rec.ID.String()),
			zap.Int("got", len(vec)),
			zap.Int("want", f.Dimensions),
		)
		return fp
	}
	if len(vec) > 0 {
		fp.SemanticVector = vec
	}
	return fp
}
