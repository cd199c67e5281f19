// Package server is the public entry point for composing the supportrag
// service: it wires configuration, caches, the vector store, the LLM
// router, and the ingest orchestrator into one ready HTTP handler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wedosoft/supportrag/internal/api"
	"github.com/wedosoft/supportrag/internal/api/handlers"
	"github.com/wedosoft/supportrag/internal/cache"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/internal/embed"
	"github.com/wedosoft/supportrag/internal/ingest"
	"github.com/wedosoft/supportrag/internal/initctx"
	"github.com/wedosoft/supportrag/internal/llm"
	"github.com/wedosoft/supportrag/internal/platform"
	"github.com/wedosoft/supportrag/internal/query"
	"github.com/wedosoft/supportrag/internal/search"
	"github.com/wedosoft/supportrag/internal/summary"
	"github.com/wedosoft/supportrag/internal/telemetry"
	"github.com/wedosoft/supportrag/internal/tenant"
	"github.com/wedosoft/supportrag/internal/vectorstore"
	"github.com/wedosoft/supportrag/pkg/faults"
)

// memoryCacheSize bounds the in-process cache when redis is not
// configured.
const memoryCacheSize = 10000

// Server holds the initialized service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// Orchestrator runs ingest jobs; call its Run in a goroutine.
	Orchestrator *ingest.Orchestrator

	// ShutdownFunc flushes telemetry and closes stores.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Cache: redis when configured, bounded in-process map otherwise.
	var c cache.Cache
	if cfg.Redis.URL != "" {
		redis, err := cache.NewRedis(cfg.Redis.URL, "supportrag")
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		c = redis
		log.Info().Msg("redis cache initialized")
	} else {
		c = cache.NewMemory(memoryCacheSize)
		log.Info().Msg("in-memory cache initialized")
	}

	embedder, err := embed.NewEmbedder(cfg.Embedding, c)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	gateway := vectorstore.NewGateway(cfg.Qdrant, embedder.Dimensions(), embedder.SparseEnabled())
	if err := gateway.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensure vector collection: %w", err)
	}
	log.Info().Str("collection", cfg.Qdrant.Collection).Msg("vector store ready")

	router := llm.NewRouter(cfg.LLM, c)

	templates, err := summary.LoadTemplates(cfg.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}
	summarizer := summary.NewSummarizer(router, templates, cfg.Summary)

	engine := search.NewEngine(embedder, gateway, router, cfg.Search)
	analyzer := query.NewAnalyzer(router)

	// Job store: postgres when configured, in-memory otherwise.
	var jobStore ingest.JobStore
	if cfg.Database.URL != "" {
		pg, err := ingest.NewPgStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init job store: %w", err)
		}
		jobStore = pg
	} else {
		jobStore = ingest.NewMemStore()
		log.Warn().Msg("in-memory job store: ingest jobs will not survive a restart")
	}

	pipeline := ingest.NewPipeline(summarizer, embedder, gateway)
	orchestrator := ingest.NewOrchestrator(jobStore, pipeline, adapterFactory, cfg.Ingest)
	assembler := initctx.NewAssembler(initctx.AdapterFactory(adapterFactory), summarizer, engine)

	h := handlers.New(cfg, analyzer, engine, orchestrator, assembler, router, embedder, gateway)

	shutdown := func(ctx context.Context) error {
		jobStore.Close()
		return otelShutdown(ctx)
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Port:         cfg.Port,
		Orchestrator: orchestrator,
		ShutdownFunc: shutdown,
	}, nil
}

// adapterFactory resolves platform credentials per tenant. A
// tenant-specific key (FRESHDESK_API_KEY_ACME for tenant "acme") wins
// over the shared FRESHDESK_API_KEY.
func adapterFactory(tc tenant.Context) (platform.Adapter, error) {
	suffix := strings.ToUpper(strings.ReplaceAll(tc.TenantID, "-", "_"))
	key := os.Getenv("FRESHDESK_API_KEY_" + suffix)
	if key == "" {
		key = os.Getenv("FRESHDESK_API_KEY")
	}
	if key == "" {
		return nil, faults.Newf(faults.AuthFailure, "no platform credentials for tenant %s", tc.TenantID)
	}
	domain := os.Getenv("FRESHDESK_DOMAIN_" + suffix)
	if domain == "" {
		domain = tc.TenantID
	}
	return platform.NewAdapter(tc.Platform, platform.Credentials{Domain: domain, APIKey: key})
}
