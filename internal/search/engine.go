package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/embed"
	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/internal/vectorstore"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// rrfK is the reciprocal-rank fusion constant.
const rrfK = 60

// hydeMinConfidence gates the HyDE expansion.
const hydeMinConfidence = 0.7

// Request is one retrieval request against the engine.
type Request struct {
	Analyzed    models.AnalyzedQuery
	ObjectTypes []models.ObjectType
	Limit       int
	// ExcludeID drops hits with this original_id after retrieval. The
	// filter language only supports must equalities, so self-exclusion is
	// post-hoc; the engine overfetches by one to compensate.
	ExcludeID string
}

// Engine executes analyzed queries against the vector store.
type Engine struct {
	embedder *embed.Embedder
	store    *vectorstore.Gateway
	router   *llm.Router
	reranker *Reranker
	cfg      config.SearchConfig
}

// NewEngine wires the search engine.
func NewEngine(e *embed.Embedder, g *vectorstore.Gateway, r *llm.Router, cfg config.SearchConfig) *Engine {
	return &Engine{
		embedder: e,
		store:    g,
		router:   r,
		reranker: NewReranker(cfg.RerankerURL),
		cfg:      cfg,
	}
}

// WithWeights returns an engine copy with overridden fusion weights,
// for callers that tune dense/sparse balance per request.
func (e *Engine) WithWeights(dense, sparse float64) *Engine {
	clone := *e
	if dense > 0 {
		clone.cfg.DenseWeight = dense
	}
	if sparse > 0 {
		clone.cfg.SparseWeight = sparse
	}
	return &clone
}

// Search runs the full pipeline. Any failure in the enhancement steps
// falls back to a plain dense search inside the tenant filter; only
// cancellation and tenant-boundary violations propagate as errors.
func (e *Engine) Search(ctx context.Context, tc tenant.Context, req Request) ([]models.SearchHit, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	fetch := limit
	if req.ExcludeID != "" {
		fetch++
	}

	filter := buildFilter(tc, req.Analyzed.Conditions, req.ObjectTypes, time.Now())

	dense, err := e.embedQuery(ctx, req.Analyzed.SearchText)
	if err != nil {
		return nil, err
	}

	var hits []models.SearchHit
	if e.cfg.ConditionalEnabled {
		hits, err = e.enhanced(ctx, filter, req.Analyzed, dense, fetch)
		if err != nil {
			if faults.IsKind(err, faults.Cancelled) || faults.IsKind(err, faults.MissingTenantFilter) {
				return nil, err
			}
			log.Warn().Err(err).Str("tenant_id", tc.TenantID).Msg("enhanced search failed, falling back to dense")
			hits = nil
		}
	}
	if hits == nil {
		hits, err = e.store.Search(ctx, vectorstore.SearchQuery{Dense: dense, Filter: filter, Limit: fetch})
		if err != nil {
			return nil, err
		}
	}

	hits = exclude(hits, req.ExcludeID)
	hits = e.qualityFilter(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, failed, err := e.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		return nil, faults.New(faults.TransientNetwork, "query embedding degraded")
	}
	return vectors[0], nil
}

// enhanced is the conditional path: candidate sizing, hybrid retrieval,
// optional HyDE, fusion, rerank.
func (e *Engine) enhanced(ctx context.Context, filter vectorstore.Filter, q models.AnalyzedQuery, dense []float32, fetch int) ([]models.SearchHit, error) {
	count, err := e.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []models.SearchHit{}, nil
	}

	// Small filtered corpora are ranked exhaustively: one dense pass over
	// everything that matches beats approximate hybrid retrieval.
	if count <= e.cfg.ExhaustiveMax {
		hits, err := e.store.Search(ctx, vectorstore.SearchQuery{Dense: dense, Filter: filter, Limit: count})
		if err != nil {
			return nil, err
		}
		return e.rerank(ctx, q.SearchText, hits, fetch), nil
	}

	denseW, sparseW := e.weights(q.Intent)
	candidates := fetch * 3
	if candidates < e.cfg.RerankTopK {
		candidates = e.cfg.RerankTopK
	}

	var denseHits, sparseHits, hydeHits []models.SearchHit
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		denseHits, err = e.store.Search(gctx, vectorstore.SearchQuery{Dense: dense, Filter: filter, Limit: candidates})
		return err
	})

	sparse := e.embedder.Sparse(q.SearchText, "")
	if sparse != nil {
		g.Go(func() error {
			var err error
			sparseHits, err = e.store.Search(gctx, vectorstore.SearchQuery{Sparse: sparse, Filter: filter, Limit: candidates})
			return err
		})
	}

	if q.Intent == models.IntentComplexConditional && q.Confidence >= hydeMinConfidence {
		g.Go(func() error {
			var err error
			hydeHits, err = e.hydeSearch(gctx, q.SearchText, filter, candidates)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := rrfFuse([]rankedList{
		{hits: denseHits, weight: denseW},
		{hits: sparseHits, weight: sparseW},
		{hits: hydeHits, weight: denseW},
	}, e.cfg.RecencyWeight, time.Now())

	return e.rerank(ctx, q.SearchText, fused, fetch), nil
}

// weights returns the fusion weights for an intent. Conditional queries
// lean on the sparse channel because their discriminating terms are
// usually literal.
func (e *Engine) weights(intent models.Intent) (dense, sparse float64) {
	if intent == models.IntentComplexConditional {
		return 0.4, 0.6
	}
	return e.cfg.DenseWeight, e.cfg.SparseWeight
}

// hydeSearch generates a short hypothetical answer and searches with its
// embedding.
func (e *Engine) hydeSearch(ctx context.Context, queryText string, filter vectorstore.Filter, limit int) ([]models.SearchHit, error) {
	messages := []models.ChatMessage{
		{Role: "system", Content: "Write a 3-5 sentence hypothetical resolution note for the following support question, as if it had already been solved. Answer in the question's language. No preamble."},
		{Role: "user", Content: queryText},
	}
	text, _, err := e.router.GenerateForUseCase(ctx, models.UseHyDE, messages, nil)
	if err != nil {
		return nil, err
	}
	vec, err := e.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.store.Search(ctx, vectorstore.SearchQuery{Dense: vec, Filter: filter, Limit: limit})
}

// rankedList is one input list to fusion with its channel weight.
type rankedList struct {
	hits   []models.SearchHit
	weight float64
}

// rrfFuse merges ranked lists by weighted reciprocal rank and adds a
// recency bonus decaying over ~3 months.
func rrfFuse(lists []rankedList, recencyWeight float64, now time.Time) []models.SearchHit {
	type entry struct {
		hit   models.SearchHit
		score float64
	}
	merged := make(map[string]*entry)

	for _, list := range lists {
		if list.weight == 0 {
			continue
		}
		for rank, hit := range list.hits {
			contribution := list.weight / float64(rrfK+rank+1)
			if ex, ok := merged[hit.ID]; ok {
				ex.score += contribution
			} else {
				merged[hit.ID] = &entry{hit: hit, score: contribution}
			}
		}
	}

	out := make([]models.SearchHit, 0, len(merged))
	for _, en := range merged {
		if recencyWeight > 0 && en.hit.Payload.CreatedAt > 0 {
			ageDays := now.Sub(time.Unix(en.hit.Payload.CreatedAt, 0)).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			en.score += recencyWeight * math.Exp(-ageDays/90) / float64(rrfK)
		}
		hit := en.hit
		hit.Score = en.score
		out = append(out, hit)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// rerank rescores the fusion top-K with the cross-encoder and trims to
// fetch.
func (e *Engine) rerank(ctx context.Context, queryText string, hits []models.SearchHit, fetch int) []models.SearchHit {
	topK := e.cfg.RerankTopK
	if topK <= 0 {
		topK = 20
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	hits = e.reranker.Rerank(ctx, queryText, hits)
	if len(hits) > fetch {
		hits = hits[:fetch]
	}
	return hits
}

// qualityFilter drops hits under the score threshold. If that empties
// the set and prevent-empty is on, the best hit is retained flagged
// low-confidence.
func (e *Engine) qualityFilter(hits []models.SearchHit) []models.SearchHit {
	if e.cfg.QualityThreshold <= 0 || len(hits) == 0 {
		return hits
	}
	kept := hits[:0:0]
	for _, h := range hits {
		if h.Score >= e.cfg.QualityThreshold {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 && e.cfg.PreventEmpty {
		top := hits[0]
		top.LowConfidence = true
		return []models.SearchHit{top}
	}
	return kept
}

func exclude(hits []models.SearchHit, originalID string) []models.SearchHit {
	if originalID == "" {
		return hits
	}
	kept := hits[:0:0]
	for _, h := range hits {
		if h.Payload.OriginalID != originalID {
			kept = append(kept, h)
		}
	}
	return kept
}
