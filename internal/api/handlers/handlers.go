// Package handlers implements the HTTP handlers for the supportrag
// service. Routes stay thin: tenant extraction, body decoding, and a
// call into the cores; every error leaves through the uniform envelope.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/api/middleware"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/embed"
	"github.com/wedosoft/supportrag/internal/ingest"
	"github.com/wedosoft/supportrag/internal/initctx"
	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/internal/query"
	"github.com/wedosoft/supportrag/internal/search"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/internal/vectorstore"
	"github.com/wedosoft/supportrag/pkg/faults"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config       *config.Config
	Analyzer     *query.Analyzer
	Engine       *search.Engine
	Orchestrator *ingest.Orchestrator
	Assembler    *initctx.Assembler
	Router       *llm.Router
	Embedder     *embed.Embedder
	VectorStore  *vectorstore.Gateway
}

// New creates a Handlers instance with all dependencies.
func New(cfg *config.Config, an *query.Analyzer, en *search.Engine, orch *ingest.Orchestrator, asm *initctx.Assembler, rt *llm.Router, em *embed.Embedder, vs *vectorstore.Gateway) *Handlers {
	return &Handlers{
		Config:       cfg,
		Analyzer:     an,
		Engine:       en,
		Orchestrator: orch,
		Assembler:    asm,
		Router:       rt,
		Embedder:     em,
		VectorStore:  vs,
	}
}

// ── Response plumbing ────────────────────────────────────────

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// respondFault maps a fault kind to its HTTP status and writes the
// envelope. Messages are operator-oriented; tenant data never goes in.
func respondFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := faults.KindOf(err)
	respondJSON(w, faults.HTTPStatus(kind), errorEnvelope{
		Code:    string(kind),
		Message: err.Error(),
		TraceID: middleware.TraceID(r),
	})
}

// requireTenant extracts the tenant context or writes the envelope.
func requireTenant(w http.ResponseWriter, r *http.Request) (tenant.Context, bool) {
	tc, err := tenant.MustFrom(r.Context())
	if err != nil {
		respondFault(w, r, err)
		return tenant.Context{}, false
	}
	return tc, true
}

// ── Health & version ─────────────────────────────────────────

type depStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health reports liveness plus dependency readiness. Provider checks run
// in parallel with a short budget so a dead backend cannot stall the
// probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	deps := map[string]depStatus{}
	overall := "healthy"

	if err := h.VectorStore.HealthCheck(ctx); err != nil {
		deps["vector_db"] = depStatus{Status: "down", Error: err.Error()}
		overall = "degraded"
	} else {
		deps["vector_db"] = depStatus{Status: "up"}
	}

	providers := map[string]depStatus{}
	for _, name := range h.Router.ProviderNames() {
		p, ok := h.Router.Provider(name)
		if !ok {
			continue
		}
		if err := p.HealthCheck(ctx); err != nil {
			providers[name] = depStatus{Status: "down", Error: err.Error()}
		} else {
			providers[name] = depStatus{Status: "up"}
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status": overall,
		"deps": map[string]any{
			"vector_db":     deps["vector_db"],
			"llm_providers": providers,
		},
	})
}

// Version reports the service build version.
func (h *Handlers) Version(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "supportrag",
		"version": h.Config.Version,
	})
}
