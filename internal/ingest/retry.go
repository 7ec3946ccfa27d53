package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/models"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

// corpusWriter runs canonical writes with a per-attempt deadline and bounded
// exponential backoff. A lost uniqueness race is a result, not an error, and
// is never retried here.
type corpusWriter struct {
	timeout  time.Duration
	executor failsafe.Executor[models.InsertResult]
	onRetry  func()
}

func newCorpusWriter(cfg config.PipelineConfig, onRetry func()) *corpusWriter {
	base := cfg.WriteBackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := cfg.WriteBackoffMax
	if maxDelay <= base {
		maxDelay = base * 2
	}
	retries := cfg.WriteRetries
	if retries < 0 {
		retries = 0
	}

	policy := retrypolicy.NewBuilder[models.InsertResult]().
		WithBackoff(base, maxDelay).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(func(_ models.InsertResult, err error) bool {
			return err != nil
		}).
		Build()

	return &corpusWriter{
		timeout:  cfg.WriteTimeout,
		executor: failsafe.With[models.InsertResult](policy),
		onRetry:  onRetry,
	}
}

// write returns InsertCreated or InsertConflict, or a DependencyError once
// retries are exhausted.
func (w *corpusWriter) write(ctx context.Context, recordID string, fn func(ctx context.Context) (models.InsertResult, error)) (models.InsertResult, error) {
	var attempts atomic.Int32
	res, err := w.executor.WithContext(ctx).Get(func() (models.InsertResult, error) {
		if n := attempts.Add(1); n > 1 && w.onRetry != nil {
			w.onRetry()
		}
		attemptCtx := ctx
		if w.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		res, err := fn(attemptCtx)
		if err != nil {
			depErr := classifyDependencyError("corpus write", err)
			zap.L().Warn("corpus write attempt failed",
				zap.String("record_id", recordID),
				zap.Int32("attempt", attempts.Load()),
				zap.String("kind", string(depErr.Kind)),
				zap.Error(err),
			)
			return "", depErr
		}
		return res, nil
	})
	if err != nil {
		return "", &DependencyError{Dependency: "corpus write", Kind: DependencyUnavailable, Err: err}
	}
	return res, nil
}
