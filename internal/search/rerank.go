package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Reranker rescores fused candidates with an external cross-encoder
// service. An unset URL or a failed call degrades to a lexical overlap
// score so reranking never sinks the request.
type Reranker struct {
	url    string
	client *http.Client
}

// NewReranker builds a reranker; url may be empty.
func NewReranker(url string) *Reranker {
	return &Reranker{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Rerank stable-sorts hits by cross-encoder score, descending. Only the
// order and scores change; hits are never dropped here.
func (r *Reranker) Rerank(ctx context.Context, query string, hits []models.SearchHit) []models.SearchHit {
	if len(hits) <= 1 {
		return hits
	}

	scores, err := r.score(ctx, query, hits)
	if err != nil {
		log.Debug().Err(err).Msg("cross-encoder unavailable, lexical rerank")
		scores = lexicalScores(query, hits)
	}

	out := append([]models.SearchHit(nil), hits...)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (r *Reranker) score(ctx context.Context, query string, hits []models.SearchHit) ([]float64, error) {
	if r.url == "" {
		return nil, faults.New(faults.ValidationFailure, "no reranker configured")
	}

	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = rerankText(h)
	}
	body, err := json.Marshal(map[string]any{"query": query, "documents": docs})
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "marshal rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.TransientNetwork, "rerank request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, faults.Newf(faults.TransientNetwork, "reranker status %d", resp.StatusCode)
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Scores) != len(hits) {
		return nil, faults.New(faults.TransientNetwork, "reranker returned malformed scores")
	}
	return parsed.Scores, nil
}

// rerankText is what the cross-encoder sees for one hit: the summary
// when present, the subject otherwise.
func rerankText(h models.SearchHit) string {
	if h.Payload.SummaryText != "" {
		return h.Payload.Subject + "\n" + h.Payload.SummaryText
	}
	return h.Payload.Subject
}

var rerankTokens = regexp.MustCompile(`[\p{L}\p{N}]{2,}`)

// lexicalScores is the degraded rerank path: query-term overlap blended
// with the original fusion score so ties keep their retrieval order.
func lexicalScores(query string, hits []models.SearchHit) []float64 {
	qTerms := map[string]bool{}
	for _, t := range rerankTokens.FindAllString(strings.ToLower(query), -1) {
		qTerms[t] = true
	}

	scores := make([]float64, len(hits))
	for i, h := range hits {
		var overlap float64
		seen := map[string]bool{}
		for _, t := range rerankTokens.FindAllString(strings.ToLower(rerankText(h)), -1) {
			if qTerms[t] && !seen[t] {
				overlap++
				seen[t] = true
			}
		}
		if len(qTerms) > 0 {
			overlap /= float64(len(qTerms))
		}
		scores[i] = overlap*0.8 + h.Score*0.2
	}
	return scores
}
