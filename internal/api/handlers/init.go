package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/pkg/faults"
)

// Init assembles the full agent context for a ticket: realtime summary,
// similar tickets, and related KB articles.
func (h *Handlers) Init(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	topK, _ := strconv.Atoi(r.URL.Query().Get("top_k"))
	started := time.Now()

	res, err := h.Assembler.Init(r.Context(), tc, chi.URLParam(r, "ticketID"), topK)
	if err != nil {
		respondFault(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"ticket_id":       res.Ticket.OriginalID,
		"subject":         res.Ticket.Subject,
		"summary":         res.Summary,
		"similar_tickets": res.SimilarTickets,
		"kb_articles":     res.KBArticles,
		"performance": map[string]any{
			"total_ms": time.Since(started).Milliseconds(),
		},
	})
}

// sseEvent writes one server-sent event and flushes.
func sseEvent(w http.ResponseWriter, flusher http.Flusher, payload any) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(buf)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

// InitStream streams the realtime summary over SSE, then closes with a
// summary_complete event carrying the full text.
func (h *Handlers) InitStream(w http.ResponseWriter, r *http.Request) {
	tc, ok := requireTenant(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		respondFault(w, r, faults.New(faults.Internal, "response writer does not support streaming"))
		return
	}

	obj, chunks, errs, err := h.Assembler.InitStream(r.Context(), tc, chi.URLParam(r, "ticketID"))
	if err != nil {
		respondFault(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sseEvent(w, flusher, map[string]any{
		"type":      "summary_start",
		"ticket_id": obj.OriginalID,
		"subject":   obj.Subject,
	})

	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
		sseEvent(w, flusher, map[string]any{"type": "summary_chunk", "text": chunk})
	}

	if streamErr := <-errs; streamErr != nil {
		log.Warn().Err(streamErr).Str("ticket_id", obj.OriginalID).Msg("summary stream aborted")
		sseEvent(w, flusher, map[string]any{
			"type": "error",
			"code": string(faults.KindOf(streamErr)),
		})
		return
	}

	sseEvent(w, flusher, map[string]any{
		"type": "summary_complete",
		"text": full.String(),
	})
}
