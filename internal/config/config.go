// Package config loads process configuration from environment variables.
//
// Everything except the LLM use-case map is read once at startup. The
// use-case map is deliberately re-read on every router call (see
// UseCaseConfig) so provider/model edits apply without a restart.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-scoped configuration for the supportrag server.
type Config struct {
	Port         int
	Version      string
	TenantDomain string
	TemplatesDir string

	Qdrant    QdrantConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Embedding EmbeddingConfig
	Search    SearchConfig
	Ingest    IngestConfig
	Summary   SummaryConfig
	LLM       LLMConfig
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

type DatabaseConfig struct {
	// URL is the postgres connection string for the ingest job store.
	// Empty selects the in-memory job store (development, tests).
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	// URL selects the redis cache backend for LLM and embedding caches.
	// Empty selects the in-process TTL cache.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type EmbeddingConfig struct {
	Provider     string
	Model        string
	Multilingual bool
	BatchSize    int
	MaxChars     int
	CacheTTL     time.Duration
	SparseOn     bool
	Timeout      time.Duration
}

type SearchConfig struct {
	DenseWeight        float64
	SparseWeight       float64
	QualityThreshold   float64
	PreventEmpty       bool
	ConditionalEnabled bool
	RecencyWeight      float64
	RerankerURL        string
	RerankTopK         int
	// ExhaustiveMax is the candidate-count cutoff below which the engine
	// filter-then-ranks exhaustively instead of running hybrid search.
	ExhaustiveMax int
}

type IngestConfig struct {
	Workers           int
	HeartbeatInterval time.Duration
	OverlapWindow     time.Duration
	ObjectRetries     int
	PageSize          int
	// LargeScaleThreshold is the per-job item count past which the
	// pipeline switches to the compress-first summarizer.
	LargeScaleThreshold int
}

type SummaryConfig struct {
	MinChars       int
	MaxChars       int
	SpeculationMax float64
	QualityMin     float64
	CompressBudget int
}

type LLMConfig struct {
	GlobalTimeout       time.Duration
	ConnectionPoolSize  int
	RealtimeMaxInFlight int
	BatchMaxInFlight    int
	CacheTTLSummary     time.Duration
	CacheTTLAnalysis    time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:         envInt("PORT", 8080),
		Version:      envStr("SERVICE_VERSION", "0.4.0"),
		TenantDomain: envStr("TENANT_DOMAIN", ""),
		TemplatesDir: envStr("TEMPLATES_DIR", "templates/system"),
		Qdrant: QdrantConfig{
			URL:        envStr("QDRANT_URL", "http://localhost:6333"),
			APIKey:     envStr("QDRANT_API_KEY", ""),
			Collection: envStr("QDRANT_COLLECTION", "documents"),
			Timeout:    envDur("QDRANT_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "supportrag"),
		},
		Embedding: EmbeddingConfig{
			Provider:     envStr("EMBEDDING_PROVIDER", "openai"),
			Model:        envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
			Multilingual: envBool("USE_MULTILINGUAL_EMBEDDING", false),
			BatchSize:    envInt("EMBEDDING_BATCH_SIZE", 100),
			MaxChars:     envInt("EMBEDDING_MAX_CHARS", 32000),
			CacheTTL:     envDur("EMBEDDING_CACHE_TTL", 7*24*time.Hour),
			SparseOn:     envBool("ENABLE_SPARSE_VECTORS", true),
			Timeout:      envDur("EMBEDDING_TIMEOUT", 30*time.Second),
		},
		Search: SearchConfig{
			DenseWeight:        envFloat("FUSION_DENSE_WEIGHT", 0.7),
			SparseWeight:       envFloat("FUSION_SPARSE_WEIGHT", 0.3),
			QualityThreshold:   envFloat("HYBRID_SEARCH_QUALITY_THRESHOLD", 0.05),
			PreventEmpty:       envBool("PREVENT_EMPTY_RESULTS", true),
			ConditionalEnabled: envBool("ENABLE_CONDITIONAL_SEARCH", true),
			RecencyWeight:      envFloat("FUSION_RECENCY_WEIGHT", 0.15),
			RerankerURL:        envStr("RERANKER_URL", ""),
			RerankTopK:         envInt("RERANK_TOP_K", 20),
			ExhaustiveMax:      envInt("EXHAUSTIVE_CANDIDATE_MAX", 200),
		},
		Ingest: IngestConfig{
			Workers:             envInt("INGEST_WORKERS", 5),
			HeartbeatInterval:   envDur("INGEST_HEARTBEAT", 10*time.Second),
			OverlapWindow:       envDur("INGEST_OVERLAP", 5*time.Minute),
			ObjectRetries:       envInt("INGEST_OBJECT_RETRIES", 3),
			PageSize:            envInt("INGEST_PAGE_SIZE", 100),
			LargeScaleThreshold: envInt("LARGE_SCALE_THRESHOLD", 1000),
		},
		Summary: SummaryConfig{
			MinChars:       envInt("SUMMARY_MIN_CHARS", 200),
			MaxChars:       envInt("SUMMARY_MAX_CHARS", 2000),
			SpeculationMax: envFloat("SUMMARY_SPECULATION_MAX", 0.3),
			QualityMin:     envFloat("SUMMARY_QUALITY_MIN", 0.7),
			CompressBudget: envInt("LARGE_SCALE_COMPRESS_BUDGET", 6000),
		},
		LLM: LLMConfig{
			GlobalTimeout:       envDur("LLM_GLOBAL_TIMEOUT", 120*time.Second),
			ConnectionPoolSize:  envInt("CONNECTION_POOL_SIZE", 64),
			RealtimeMaxInFlight: envInt("LLM_REALTIME_MAX_INFLIGHT", 10),
			BatchMaxInFlight:    envInt("LLM_BATCH_MAX_INFLIGHT", 20),
			CacheTTLSummary:     envDur("LLM_CACHE_TTL_SUMMARY", 24*time.Hour),
			CacheTTLAnalysis:    envDur("LLM_CACHE_TTL_ANALYSIS", 30*time.Minute),
		},
	}
}

// ── Use-case routing map ─────────────────────────────────────

// FallbackHop is one provider/model pair in a fallback chain.
type FallbackHop struct {
	Provider string
	Model    string
}

// UseCaseSettings is the resolved routing configuration for one use case.
type UseCaseSettings struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Fallbacks   []FallbackHop
}

// maxFallbackHops bounds the fallback chain regardless of configuration.
const maxFallbackHops = 3

var useCaseDefaults = map[string]UseCaseSettings{
	"realtime":       {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 1024, Temperature: 0.2, Timeout: 15 * time.Second},
	"batch":          {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 1536, Temperature: 0.2, Timeout: 60 * time.Second},
	"summary":        {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 1536, Temperature: 0.2, Timeout: 60 * time.Second},
	"query_analysis": {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 512, Temperature: 0.0, Timeout: 5 * time.Second},
	"hyde":           {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 384, Temperature: 0.5, Timeout: 10 * time.Second},
}

// UseCaseConfig resolves the routing settings for a use case from the
// current environment. It is called on every router invocation: editing
// the environment changes the next call, never one in flight.
func UseCaseConfig(useCase string) UseCaseSettings {
	def, ok := useCaseDefaults[useCase]
	if !ok {
		def = useCaseDefaults["summary"]
	}
	prefix := strings.ToUpper(useCase)

	s := UseCaseSettings{
		Provider:    envStr(prefix+"_LLM_PROVIDER", def.Provider),
		Model:       envStr(prefix+"_LLM_MODEL", def.Model),
		MaxTokens:   envInt(prefix+"_LLM_MAX_TOKENS", def.MaxTokens),
		Temperature: envFloat(prefix+"_LLM_TEMPERATURE", def.Temperature),
		Timeout:     envDur(prefix+"_LLM_TIMEOUT", def.Timeout),
	}
	s.Fallbacks = parseFallbacks(envStr(prefix+"_LLM_FALLBACKS", ""))
	return s
}

// parseFallbacks parses "provider:model,provider:model" chains, capped at
// maxFallbackHops entries.
func parseFallbacks(raw string) []FallbackHop {
	if raw == "" {
		return nil
	}
	var hops []FallbackHop
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		provider, model, found := strings.Cut(part, ":")
		if !found || provider == "" || model == "" {
			continue
		}
		hops = append(hops, FallbackHop{Provider: provider, Model: model})
		if len(hops) == maxFallbackHops {
			break
		}
	}
	return hops
}

// ── Env helpers ──────────────────────────────────────────────

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
