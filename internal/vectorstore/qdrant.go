package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Named vectors in the shared collection.
const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// upsertBatchSize bounds one upsert request.
const upsertBatchSize = 100

// pointNamespace seeds deterministic point ids; the id of a point is a
// UUIDv5 of the object's identity tuple, so re-upserts are idempotent.
var pointNamespace = uuid.MustParse("8d5a9b7e-4c2f-4e91-b6a3-1f0e2d9c8b7a")

// PointID derives the deterministic point id for an object identity.
func PointID(tenantID, platform string, objectType models.ObjectType, originalID string) string {
	key := tenantID + "/" + platform + "/" + string(objectType) + "/" + originalID
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// SearchQuery is one gateway search. Exactly one of Dense or Sparse is
// set per call; hybrid retrieval issues two searches and fuses upstream.
type SearchQuery struct {
	Dense          []float32
	Sparse         *models.SparseVector
	Filter         Filter
	Limit          int
	ScoreThreshold float64
}

// Gateway talks to one Qdrant collection over HTTP, with a circuit
// breaker so a flapping vector DB fails fast instead of piling up
// goroutines behind timeouts.
type Gateway struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	dims       int
	sparseOn   bool
}

// NewGateway builds the gateway for the configured collection. dims is
// the dense vector dimensionality used at collection creation.
func NewGateway(cfg config.QdrantConfig, dims int, sparseOn bool) *Gateway {
	return &Gateway{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: cfg.Timeout},
		dims:       dims,
		sparseOn:   sparseOn,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "qdrant",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		}),
	}
}

// ── Collection lifecycle ─────────────────────────────────────

// payloadIndexes lists the indexed payload fields and their schemas.
var payloadIndexes = map[string]string{
	FieldTenantID:   "keyword",
	FieldPlatform:   "keyword",
	FieldObjectType: "keyword",
	FieldStatus:     "keyword",
	FieldPriority:   "integer",
	FieldCreatedAt:  "integer",
	FieldTags:       "keyword",
	FieldCategory:   "keyword",
}

// EnsureCollection creates the shared collection and its payload indexes
// if absent. Safe to call on every start.
func (g *Gateway) EnsureCollection(ctx context.Context) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := g.do(ctx, http.MethodGet, "/collections/"+g.collection+"/exists", nil, &exists); err != nil {
		return err
	}

	if !exists.Result.Exists {
		body := map[string]any{
			"vectors": map[string]any{
				denseVectorName: map[string]any{"size": g.dims, "distance": "Cosine"},
			},
		}
		if g.sparseOn {
			body["sparse_vectors"] = map[string]any{sparseVectorName: map[string]any{}}
		}
		if err := g.do(ctx, http.MethodPut, "/collections/"+g.collection, body, nil); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		log.Info().Str("collection", g.collection).Int("dims", g.dims).Bool("sparse", g.sparseOn).Msg("vector collection created")
	}

	for field, schema := range payloadIndexes {
		body := map[string]any{"field_name": field, "field_schema": schema}
		// Index creation is idempotent; qdrant answers 200 for existing ones.
		if err := g.do(ctx, http.MethodPut, "/collections/"+g.collection+"/index?wait=true", body, nil); err != nil {
			return fmt.Errorf("create index %s: %w", field, err)
		}
	}
	return nil
}

// ── Points ───────────────────────────────────────────────────

type wirePoint struct {
	ID      string         `json:"id"`
	Vector  map[string]any `json:"vector"`
	Payload models.Payload `json:"payload"`
}

// Upsert writes points in acknowledged batches. Idempotent by point id;
// re-upserting unchanged content is a payload-identical overwrite.
func (g *Gateway) Upsert(ctx context.Context, points []models.VectorPoint) error {
	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}

		wire := make([]wirePoint, 0, end-start)
		for _, p := range points[start:end] {
			vec := map[string]any{denseVectorName: p.Vector}
			if p.Sparse != nil && g.sparseOn {
				vec[sparseVectorName] = map[string]any{"indices": p.Sparse.Indices, "values": p.Sparse.Values}
			}
			wire = append(wire, wirePoint{ID: p.ID, Vector: vec, Payload: p.Payload})
		}

		body := map[string]any{"points": wire}
		if err := g.do(ctx, http.MethodPut, "/collections/"+g.collection+"/points?wait=true", body, nil); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      string          `json:"id"`
			Score   float64         `json:"score"`
			Payload json.RawMessage `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

// Search runs one filtered similarity query. The filter MUST pin tenant
// and platform; calls without both are rejected before any network I/O.
// Returned payloads are post-verified against the filter's tenant.
func (g *Gateway) Search(ctx context.Context, q SearchQuery) ([]models.SearchHit, error) {
	if err := q.Filter.requireTenant(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	body := map[string]any{
		"limit":        q.Limit,
		"with_payload": true,
		"filter":       q.Filter,
	}
	switch {
	case q.Sparse != nil:
		body["query"] = map[string]any{"indices": q.Sparse.Indices, "values": q.Sparse.Values}
		body["using"] = sparseVectorName
	case q.Dense != nil:
		body["query"] = q.Dense
		body["using"] = denseVectorName
	default:
		return nil, faults.New(faults.InvalidQuery, "search needs a dense or sparse query vector")
	}
	if q.ScoreThreshold > 0 {
		body["score_threshold"] = q.ScoreThreshold
	}

	var resp queryResponse
	if err := g.do(ctx, http.MethodPost, "/collections/"+g.collection+"/points/query", body, &resp); err != nil {
		return nil, err
	}

	tenantID := q.Filter.tenantOf()
	hits := make([]models.SearchHit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		var payload models.Payload
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			log.Warn().Str("point", p.ID).Err(err).Msg("undecodable payload dropped")
			continue
		}
		// Defense in depth: the filter is the primary guard, this catches
		// contract violations.
		if payload.TenantID != tenantID {
			log.Error().
				Str("severity", "security").
				Str("event", "TenantLeak").
				Str("requested_tenant", tenantID).
				Str("point", p.ID).
				Msg("search result tenant mismatch, dropping")
			continue
		}
		hits = append(hits, models.SearchHit{ID: p.ID, Score: p.Score, Payload: payload})
	}
	return hits, nil
}

// Count estimates the number of points matching a filter.
func (g *Gateway) Count(ctx context.Context, f Filter) (int, error) {
	if err := f.requireTenant(); err != nil {
		return 0, err
	}
	body := map[string]any{"filter": f, "exact": false}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := g.do(ctx, http.MethodPost, "/collections/"+g.collection+"/points/count", body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Delete removes points by structured filter only. Bare id lists are not
// accepted: every delete is tenant-scoped by construction.
func (g *Gateway) Delete(ctx context.Context, f Filter) error {
	if err := f.requireTenant(); err != nil {
		return err
	}
	body := map[string]any{"filter": f}
	return g.do(ctx, http.MethodPost, "/collections/"+g.collection+"/points/delete?wait=true", body, nil)
}

// HealthCheck verifies the collection answers.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	return g.do(ctx, http.MethodGet, "/collections/"+g.collection, nil, nil)
}

// ── HTTP plumbing ────────────────────────────────────────────

func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.doOnce(ctx, method, path, body, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return faults.Wrap(faults.TransientNetwork, "vector store circuit open", err)
	}
	return err
}

func (g *Gateway) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.Internal, "marshal request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("api-key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.Cancelled, "qdrant request", ctx.Err())
		}
		return faults.Wrap(faults.TransientNetwork, "qdrant request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Wrap(faults.TransientNetwork, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.Newf(faults.AuthFailure, "qdrant %d on %s", resp.StatusCode, path)
	case resp.StatusCode >= 500:
		return faults.Newf(faults.TransientNetwork, "qdrant %d on %s: %s", resp.StatusCode, path, truncate(respBody))
	default:
		return faults.Newf(faults.Internal, "qdrant %d on %s: %s", resp.StatusCode, path, truncate(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return faults.Wrap(faults.Internal, "decode response", err)
		}
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > 300 {
		return string(b[:300]) + "…"
	}
	return string(b)
}
