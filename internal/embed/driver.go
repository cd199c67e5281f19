// Package embed turns text into dense (and optionally sparse) vectors,
// with content-hash caching, batching, and zero-vector degradation so a
// provider outage never stalls an ingest job.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/wedosoft/supportrag/pkg/faults"
)

// Driver is one embedding backend. OpenAI and Ollama ship; the
// multilingual flag selects the model, not the driver.
type Driver interface {
	Kind() string
	Model() string
	Dimensions() int

	// Embed returns one vector per input text, positionally aligned.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	HealthCheck(ctx context.Context) error
}

// NewDriver is the embedding driver factory.
func NewDriver(provider, model string, multilingual bool, timeout time.Duration) (Driver, error) {
	client := &http.Client{Timeout: timeout}
	switch provider {
	case "openai", "":
		return newOpenAIDriver(model, multilingual, client), nil
	case "ollama":
		return newOllamaDriver(model, client), nil
	}
	return nil, faults.Newf(faults.ValidationFailure, "unsupported embedding provider %q", provider)
}

// ── OpenAI ───────────────────────────────────────────────────

type openAIDriver struct {
	apiKey     string
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

func newOpenAIDriver(model string, multilingual bool, client *http.Client) *openAIDriver {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if multilingual {
		// The 3-series models are multilingual; large has the better
		// cross-lingual recall for Korean/Japanese support content.
		model = "text-embedding-3-large"
	}
	dims := 1536
	if model == "text-embedding-3-large" {
		dims = 3072
	}
	endpoint := os.Getenv("OPENAI_BASE_URL")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &openAIDriver{
		apiKey:     os.Getenv("OPENAI_API_KEY"),
		endpoint:   endpoint + "/embeddings",
		model:      model,
		dimensions: dims,
		client:     client,
	}
}

func (d *openAIDriver) Kind() string    { return "openai" }
func (d *openAIDriver) Model() string   { return d.model }
func (d *openAIDriver) Dimensions() int { return d.dimensions }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (d *openAIDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: d.model})
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.Cancelled, "openai embed", ctx.Err())
		}
		return nil, faults.Wrap(faults.TransientNetwork, "openai embed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.TransientNetwork, "read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.RateLimited, "openai embeddings 429")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.Newf(faults.AuthFailure, "openai embeddings %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, faults.Newf(faults.TransientNetwork, "openai embeddings %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Newf(faults.ValidationFailure, "openai embeddings %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, faults.Wrap(faults.Internal, "unmarshal response", err)
	}
	if result.Error != nil {
		return nil, faults.Newf(faults.TransientNetwork, "openai: %s (%s)", result.Error.Message, result.Error.Type)
	}

	// Reorder by index; the API may return out of order.
	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < len(vectors) {
			vectors[item.Index] = item.Embedding
		}
	}
	return vectors, nil
}

func (d *openAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}

// ── Ollama ───────────────────────────────────────────────────

type ollamaDriver struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

func newOllamaDriver(model string, client *http.Client) *ollamaDriver {
	if model == "" {
		model = "nomic-embed-text"
	}
	dims := 768
	switch model {
	case "mxbai-embed-large":
		dims = 1024
	case "all-minilm", "all-minilm:l6-v2":
		dims = 384
	}
	endpoint := os.Getenv("OLLAMA_BASE_URL")
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &ollamaDriver{endpoint: endpoint, model: model, dimensions: dims, client: client}
}

func (d *ollamaDriver) Kind() string    { return "ollama" }
func (d *ollamaDriver) Model() string   { return d.model }
func (d *ollamaDriver) Dimensions() int { return d.dimensions }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (d *ollamaDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(ollamaEmbedRequest{Model: d.model, Input: texts})
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.Cancelled, "ollama embed", ctx.Err())
		}
		return nil, faults.Wrap(faults.TransientNetwork, "ollama embed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.TransientNetwork, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Newf(faults.TransientNetwork, "ollama embed %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, faults.Wrap(faults.Internal, "unmarshal response", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

func (d *ollamaDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
