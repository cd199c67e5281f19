package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wedosoft/supportrag/internal/search"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// filtersBody is the optional caller-supplied narrowing on search
// endpoints. These overlay whatever the analyzer extracted.
type filtersBody struct {
	ObjectTypes []string `json:"object_types,omitempty"`
	Status      []string `json:"status,omitempty"`
	Category    []string `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (f filtersBody) objectTypes() []models.ObjectType {
	out := make([]models.ObjectType, 0, len(f.ObjectTypes))
	for _, t := range f.ObjectTypes {
		out = append(out, models.ObjectType(t))
	}
	return out
}

func (f filtersBody) overlay(c *models.Conditions) {
	if len(f.Status) > 0 {
		c.Status = c.Status[:0]
		for _, s := range f.Status {
			c.Status = append(c.Status, models.Status(s))
		}
	}
	if len(f.Category) > 0 {
		c.Category = f.Category
	}
	if len(f.Tags) > 0 {
		c.Tags = f.Tags
	}
}

// Query answers a natural-language question. Mode "rag" retrieves
// context and generates; mode "chat" generates without retrieval.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Query   string       `json:"query"`
		Mode    string       `json:"mode"`
		Filters *filtersBody `json:"filters,omitempty"`
		TopK    int          `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondFault(w, r, faults.Wrap(faults.InvalidQuery, "decode request", err))
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		respondFault(w, r, faults.New(faults.InvalidQuery, "query must not be empty"))
		return
	}

	var hits []models.SearchHit
	if body.Mode != "chat" {
		analyzed := h.Analyzer.Analyze(r.Context(), body.Query, "")
		req := search.Request{Analyzed: analyzed, Limit: body.TopK}
		if body.Filters != nil {
			body.Filters.overlay(&req.Analyzed.Conditions)
			req.ObjectTypes = body.Filters.objectTypes()
		}
		var err error
		hits, err = h.Engine.Search(r.Context(), tc, req)
		if err != nil {
			respondFault(w, r, err)
			return
		}
	}

	answer, meta, err := h.generateAnswer(r, body.Query, hits)
	if err != nil {
		respondFault(w, r, err)
		return
	}

	if hits == nil {
		hits = []models.SearchHit{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"answer":       answer,
		"context_docs": hits,
		"meta":         meta,
	})
}

// generateAnswer runs the realtime use case over the retrieved context.
func (h *Handlers) generateAnswer(r *http.Request, q string, hits []models.SearchHit) (string, models.GenerateMeta, error) {
	var sb strings.Builder
	for i, hit := range hits {
		if i >= 5 {
			break
		}
		sb.WriteString("[")
		sb.WriteString(hit.Payload.ObjectType)
		sb.WriteString(" ")
		sb.WriteString(hit.Payload.OriginalID)
		sb.WriteString("] ")
		sb.WriteString(hit.Payload.Subject)
		sb.WriteString("\n")
		sb.WriteString(hit.Payload.SummaryText)
		sb.WriteString("\n\n")
	}

	system := "You are a customer-support assistant. Answer in the user's language."
	if sb.Len() > 0 {
		system += " Ground your answer in the reference material below; cite ticket or article ids in brackets. If the material does not cover the question, say so.\n\nReference material:\n" + sb.String()
	}

	messages := []models.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: q},
	}
	return h.Router.GenerateForUseCase(r.Context(), models.UseRealtime, messages, nil)
}

// HybridSearch is the raw retrieval endpoint: no analyzer, no answer
// generation, caller-controlled fusion weights.
func (h *Handlers) HybridSearch(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Query        string       `json:"query"`
		DenseWeight  float64      `json:"dense_weight,omitempty"`
		SparseWeight float64      `json:"sparse_weight,omitempty"`
		Filters      *filtersBody `json:"filters,omitempty"`
		TopK         int          `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondFault(w, r, faults.Wrap(faults.InvalidQuery, "decode request", err))
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		respondFault(w, r, faults.New(faults.InvalidQuery, "query must not be empty"))
		return
	}

	engine := h.Engine
	if body.DenseWeight > 0 || body.SparseWeight > 0 {
		engine = engine.WithWeights(body.DenseWeight, body.SparseWeight)
	}

	req := search.Request{
		Analyzed: models.AnalyzedQuery{
			Intent:     models.IntentSimpleSemantic,
			Strategy:   models.StrategyHybrid,
			SearchText: body.Query,
			Confidence: 1,
		},
		Limit: body.TopK,
	}
	if body.Filters != nil {
		body.Filters.overlay(&req.Analyzed.Conditions)
		req.ObjectTypes = body.Filters.objectTypes()
	}

	hits, err := engine.Search(r.Context(), tc, req)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
