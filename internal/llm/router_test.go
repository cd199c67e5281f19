package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wedosoft/supportrag/internal/cache"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		GlobalTimeout:       5 * time.Second,
		ConnectionPoolSize:  4,
		RealtimeMaxInFlight: 2,
		BatchMaxInFlight:    2,
		CacheTTLSummary:     time.Minute,
		CacheTTLAnalysis:    time.Minute,
	}
}

func openAIServer(t *testing.T, calls *atomic.Int32, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
}

func userMsg(text string) []models.ChatMessage {
	return []models.ChatMessage{{Role: "user", Content: text}}
}

func TestGenerateForUseCase(t *testing.T) {
	var calls atomic.Int32
	srv := openAIServer(t, &calls, "a summary")
	defer srv.Close()
	t.Setenv("OPENAI_BASE_URL", srv.URL)
	t.Setenv("SUMMARY_LLM_PROVIDER", "openai")
	t.Setenv("SUMMARY_LLM_MODEL", "test-model")

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))
	text, meta, err := r.GenerateForUseCase(context.Background(), models.UseSummary, userMsg("summarize this"), nil)
	if err != nil {
		t.Fatalf("GenerateForUseCase: %v", err)
	}
	if text != "a summary" {
		t.Errorf("text = %q", text)
	}
	if meta.Provider != "openai" || meta.Model != "test-model" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Fallback {
		t.Error("primary hop marked as fallback")
	}
	if meta.InputTokens != 10 || meta.OutputTokens != 5 {
		t.Errorf("token counts = %d/%d", meta.InputTokens, meta.OutputTokens)
	}
}

func TestGenerateCacheHit(t *testing.T) {
	var calls atomic.Int32
	srv := openAIServer(t, &calls, "cached answer")
	defer srv.Close()
	t.Setenv("OPENAI_BASE_URL", srv.URL)

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))

	if _, _, err := r.GenerateForUseCase(context.Background(), models.UseSummary, userMsg("same input"), nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	text, meta, err := r.GenerateForUseCase(context.Background(), models.UseSummary, userMsg("same input"), nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if meta.Cache != "hit" {
		t.Errorf("meta.Cache = %q, want hit", meta.Cache)
	}
	if text != "cached answer" {
		t.Errorf("cached text = %q", text)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}

	// Different options must not share a cache entry.
	if _, _, err := r.GenerateForUseCase(context.Background(), models.UseSummary, userMsg("same input"), &llm.Options{Temperature: 0.9}); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2 after option change", n)
	}
}

func TestGenerateFallbackChain(t *testing.T) {
	// Primary rejects every request with a non-retryable 400.
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "from fallback"},
			"done":    true,
		})
	}))
	defer fallback.Close()

	t.Setenv("OPENAI_BASE_URL", primary.URL)
	t.Setenv("OLLAMA_BASE_URL", fallback.URL)
	t.Setenv("SUMMARY_LLM_FALLBACKS", "ollama:local-model")

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))
	text, meta, err := r.GenerateForUseCase(context.Background(), models.UseSummary, userMsg("hello"), nil)
	if err != nil {
		t.Fatalf("GenerateForUseCase: %v", err)
	}
	if text != "from fallback" {
		t.Errorf("text = %q", text)
	}
	if !meta.Fallback || meta.Provider != "ollama" {
		t.Errorf("meta = %+v, want fallback via ollama", meta)
	}
}

func TestGenerateAllProvidersExhausted(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer down.Close()

	t.Setenv("OPENAI_BASE_URL", down.URL)
	t.Setenv("OLLAMA_BASE_URL", down.URL)
	t.Setenv("SUMMARY_LLM_FALLBACKS", "ollama:local-model")

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))
	_, _, err := r.GenerateForUseCase(context.Background(), models.UseSummary, userMsg("hello"), nil)
	if !faults.IsKind(err, faults.LLMUnavailable) {
		t.Errorf("err = %v, want LLMUnavailable", err)
	}
}

func TestGenerateJSONMode(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "{}"}}},
		})
	}))
	defer srv.Close()
	t.Setenv("OPENAI_BASE_URL", srv.URL)

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))
	_, _, err := r.GenerateForUseCase(context.Background(), models.UseQueryAnalysis, userMsg("classify"), &llm.Options{JSONMode: true})
	if err != nil {
		t.Fatalf("GenerateForUseCase: %v", err)
	}
	rf, ok := gotBody["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", gotBody["response_format"])
	}
}

func TestStreamForUseCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hel", "lo ", "there"} {
			frame, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": chunk}}},
			})
			w.Write([]byte("data: " + string(frame) + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()
	t.Setenv("OPENAI_BASE_URL", srv.URL)

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))
	chunks, errs := r.StreamForUseCase(context.Background(), models.UseRealtime, userMsg("hi"), nil)

	var full strings.Builder
	for c := range chunks {
		full.WriteString(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if full.String() != "Hello there" {
		t.Errorf("streamed text = %q", full.String())
	}
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadRequest)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"message": map[string]any{"content": "recovered"}, "done": false})
		enc.Encode(map[string]any{"message": map[string]any{"content": ""}, "done": true})
	}))
	defer fallback.Close()

	t.Setenv("OPENAI_BASE_URL", primary.URL)
	t.Setenv("OLLAMA_BASE_URL", fallback.URL)
	t.Setenv("REALTIME_LLM_FALLBACKS", "ollama:local-model")

	r := llm.NewRouter(testLLMConfig(), cache.NewMemory(10))
	chunks, errs := r.StreamForUseCase(context.Background(), models.UseRealtime, userMsg("hi"), nil)

	var full strings.Builder
	for c := range chunks {
		full.WriteString(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if full.String() != "recovered" {
		t.Errorf("streamed text = %q", full.String())
	}
}
