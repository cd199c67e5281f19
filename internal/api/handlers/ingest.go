package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/vectorstore"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// CreateJob creates an ingest job in the created state; the
// orchestrator's pickup loop starts it.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Scope    string     `json:"scope"`
		Platform string     `json:"platform,omitempty"`
		Since    *time.Time `json:"since,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondFault(w, r, faults.Wrap(faults.ValidationFailure, "decode request", err))
		return
	}
	if body.Scope == "" {
		body.Scope = string(models.ScopeIncremental)
	}

	job, err := h.Orchestrator.Submit(r.Context(), tc, models.JobScope(body.Scope), body.Since)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

// GetJob polls one job.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	job, err := h.Orchestrator.Get(r.Context(), tc.TenantID, chi.URLParam(r, "jobID"))
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.JobID,
		"scope":    job.Scope,
		"status":   job.Status,
		"progress": job.Progress,
		"errors":   errorsOrEmpty(job.ErrorLog),
	})
}

// ListJobs returns the tenant's jobs, newest first.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.Orchestrator.List(r.Context(), tc.TenantID, limit)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.IngestJob{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// ControlJob applies pause, resume, or cancel.
func (h *Handlers) ControlJob(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondFault(w, r, faults.Wrap(faults.ValidationFailure, "decode request", err))
		return
	}

	job, err := h.Orchestrator.Control(r.Context(), tc.TenantID, chi.URLParam(r, "jobID"), body.Action)
	if err != nil {
		respondFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": job.Status})
}

// Purge deletes every vector belonging to the tenant, optionally
// narrowed to one object type. Used when a tenant offboards or wants a
// clean re-ingest.
func (h *Handlers) Purge(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var body struct {
		ObjectType string `json:"object_type,omitempty"`
		Confirm    bool   `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondFault(w, r, faults.Wrap(faults.ValidationFailure, "decode request", err))
		return
	}
	if !body.Confirm {
		respondFault(w, r, faults.New(faults.ValidationFailure, "purge requires confirm=true"))
		return
	}

	filter := vectorstore.TenantFilter(tc.TenantID, tc.Platform)
	if body.ObjectType != "" {
		filter = filter.With(vectorstore.Eq(vectorstore.FieldObjectType, body.ObjectType))
	}
	if err := h.VectorStore.Delete(r.Context(), filter); err != nil {
		respondFault(w, r, err)
		return
	}
	log.Warn().Str("tenant_id", tc.TenantID).Str("object_type", body.ObjectType).Msg("tenant vectors purged")
	respondJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func errorsOrEmpty(errs []models.JobError) []models.JobError {
	if errs == nil {
		return []models.JobError{}
	}
	return errs
}
