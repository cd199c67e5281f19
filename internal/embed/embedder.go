package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/wedosoft/supportrag/internal/cache"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// emptySentinel replaces empty inputs so positional alignment survives.
// Identical sentinels share one cache entry, so the cost is a single
// embedding per model.
const emptySentinel = "[empty]"

// truncationMark terminates texts cut at the model's input limit.
const truncationMark = "…"

const (
	batchRetries   = 3
	batchRetryBase = 1 * time.Second
)

// Embedder batches texts to the configured embedding driver with a
// per-text content-hash cache. Failed batches degrade to zero vectors
// rather than failing the caller; zero vectors score as far outliers in
// cosine space and are reported back for the job error log.
type Embedder struct {
	driver Driver
	cache  cache.Cache
	cfg    config.EmbeddingConfig
	sparse *SparseEncoder

	// One outstanding batch per model by default.
	sem *semaphore.Weighted
}

// NewEmbedder wires a driver and cache per the embedding config.
func NewEmbedder(cfg config.EmbeddingConfig, c cache.Cache) (*Embedder, error) {
	driver, err := NewDriver(cfg.Provider, cfg.Model, cfg.Multilingual, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	e := &Embedder{
		driver: driver,
		cache:  c,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
	}
	if cfg.SparseOn {
		e.sparse = NewSparseEncoder()
	}
	return e, nil
}

// Model returns the active embedding model id.
func (e *Embedder) Model() string { return e.driver.Model() }

// Dimensions returns the dense vector dimensionality.
func (e *Embedder) Dimensions() int { return e.driver.Dimensions() }

// HealthCheck verifies the embedding backend.
func (e *Embedder) HealthCheck(ctx context.Context) error { return e.driver.HealthCheck(ctx) }

// SparseEnabled reports whether sparse vectors are being produced.
func (e *Embedder) SparseEnabled() bool { return e.sparse != nil }

// Sparse computes the BM25-style sparse vector for one text, or nil when
// sparse vectors are disabled.
func (e *Embedder) Sparse(text, language string) *models.SparseVector {
	if e.sparse == nil {
		return nil
	}
	return e.sparse.Encode(text, language)
}

// EmbedBatch embeds texts preserving positional alignment. The returned
// failed slice holds the positions that were filled with zero vectors
// after the retry budget; callers record them and continue.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) (vectors [][]float32, failed []int, err error) {
	if len(texts) == 0 {
		return nil, nil, nil
	}

	prepared := make([]string, len(texts))
	for i, t := range texts {
		prepared[i] = e.prepare(t)
	}

	vectors = make([][]float32, len(texts))

	// Cache pass: collect misses.
	var missIdx []int
	keys := make([]string, len(texts))
	for i, t := range prepared {
		keys[i] = e.cacheKey(t)
		if val, ok := e.cache.Get(ctx, keys[i]); ok {
			var v []float32
			if json.Unmarshal([]byte(val), &v) == nil && len(v) == e.driver.Dimensions() {
				vectors[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return vectors, nil, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, faults.Wrap(faults.Cancelled, "embed gate", err)
	}
	defer e.sem.Release(1)

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for start := 0; start < len(missIdx); start += batchSize {
		end := start + batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		idx := missIdx[start:end]

		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = prepared[i]
		}

		got, batchErr := e.embedWithRetry(ctx, batch)
		if batchErr != nil {
			if faults.IsKind(batchErr, faults.Cancelled) || faults.IsKind(batchErr, faults.AuthFailure) {
				return nil, nil, batchErr
			}
			// Degrade: zero vectors for every position in this batch.
			log.Warn().Err(batchErr).Int("batch_size", len(idx)).Msg("embedding batch failed, degrading to zero vectors")
			for _, i := range idx {
				vectors[i] = make([]float32, e.driver.Dimensions())
				failed = append(failed, i)
			}
			continue
		}

		for j, i := range idx {
			vectors[i] = got[j]
			if buf, err := json.Marshal(got[j]); err == nil {
				e.cache.Set(ctx, keys[i], string(buf), e.cfg.CacheTTL)
			}
		}
	}

	return vectors, failed, nil
}

// embedWithRetry retries a single batch call on transient failures.
func (e *Embedder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= batchRetries; attempt++ {
		if attempt > 0 {
			wait := batchRetryBase << (attempt - 1)
			wait += time.Duration(rand.Int63n(int64(batchRetryBase / 2)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, faults.Wrap(faults.Cancelled, "embed retry wait", ctx.Err())
			}
		}
		got, err := e.driver.Embed(ctx, batch)
		if err == nil {
			if len(got) != len(batch) {
				return nil, faults.Newf(faults.TransientNetwork, "driver returned %d vectors for %d texts", len(got), len(batch))
			}
			return got, nil
		}
		lastErr = err
		if !faults.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// prepare truncates to the model's input limit and substitutes the empty
// sentinel.
func (e *Embedder) prepare(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return emptySentinel
	}
	maxChars := e.cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 32000
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars-1]) + truncationMark
}

// cacheKey is (model, SHA-256(text)); tenant id is deliberately excluded
// because embeddings of identical text are identical across tenants.
func (e *Embedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.driver.Model() + ":" + hex.EncodeToString(sum[:])
}
