package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/wedosoft/supportrag/internal/cache"
	"github.com/wedosoft/supportrag/internal/config"
	"github.com/wedosoft/supportrag/pkg/faults"
	"github.com/wedosoft/supportrag/pkg/models"
)

// Retry schedule for provider calls: jittered exponential, base 500ms,
// factor 2, capped attempts.
const (
	retryBase = 500 * time.Millisecond
	retryMax  = 3
	maxChain  = 3 // primary + fallbacks, hard cap
)

// Router resolves (provider, model) per use case from configuration and
// executes generations with caching, retries, and fallback.
//
// The use-case map is re-read from the environment on every call, so a
// configuration edit affects the next call but never one in flight.
type Router struct {
	providers map[string]Provider
	cache     cache.Cache
	cfg       config.LLMConfig

	realtimeSem *semaphore.Weighted
	batchSem    *semaphore.Weighted
}

// NewRouter wires the provider variant set with a shared HTTP client
// sized by the connection pool configuration.
func NewRouter(llmCfg config.LLMConfig, c cache.Cache) *Router {
	client := &http.Client{
		Timeout: llmCfg.GlobalTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        llmCfg.ConnectionPoolSize,
			MaxIdleConnsPerHost: llmCfg.ConnectionPoolSize,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	providers := map[string]Provider{}
	for _, p := range []Provider{NewOpenAI(client), NewAnthropic(client), NewOllama(client)} {
		providers[p.Name()] = p
	}
	return &Router{
		providers:   providers,
		cache:       c,
		cfg:         llmCfg,
		realtimeSem: semaphore.NewWeighted(int64(llmCfg.RealtimeMaxInFlight)),
		batchSem:    semaphore.NewWeighted(int64(llmCfg.BatchMaxInFlight)),
	}
}

// Provider exposes a registered provider for health checks.
func (r *Router) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// ProviderNames lists the registered provider tags.
func (r *Router) ProviderNames() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// chain builds the ordered (provider, model) hops for a use case:
// the configured primary followed by its fallbacks, capped at maxChain.
func chain(s config.UseCaseSettings) []config.FallbackHop {
	hops := []config.FallbackHop{{Provider: s.Provider, Model: s.Model}}
	for _, h := range s.Fallbacks {
		if len(hops) == maxChain {
			break
		}
		hops = append(hops, h)
	}
	return hops
}

func (r *Router) cacheTTL(useCase models.UseCase) time.Duration {
	switch useCase {
	case models.UseSummary, models.UseBatch:
		return r.cfg.CacheTTLSummary
	case models.UseQueryAnalysis, models.UseHyDE:
		return r.cfg.CacheTTLAnalysis
	}
	return 0 // realtime is never cached
}

// cacheKey canonicalizes the full call shape. Messages marshal
// deterministically because ChatMessage has fixed field order.
func cacheKey(useCase models.UseCase, s config.UseCaseSettings, messages []models.ChatMessage, opts Options) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(struct {
		UseCase  models.UseCase
		Provider string
		Model    string
		Messages []models.ChatMessage
		Opts     Options
	}{useCase, s.Provider, s.Model, messages, opts})
	return "llm:" + hex.EncodeToString(h.Sum(nil))
}

func (r *Router) sem(useCase models.UseCase) *semaphore.Weighted {
	if useCase == models.UseRealtime {
		return r.realtimeSem
	}
	return r.batchSem
}

// GenerateForUseCase resolves routing for the use case and generates,
// consulting the cache first. meta.Cache == "hit" on cache hits.
func (r *Router) GenerateForUseCase(ctx context.Context, useCase models.UseCase, messages []models.ChatMessage, opts *Options) (string, models.GenerateMeta, error) {
	settings := config.UseCaseConfig(string(useCase))
	o := resolveOpts(settings, opts)

	key := cacheKey(useCase, settings, messages, o)
	ttl := r.cacheTTL(useCase)
	if ttl > 0 {
		if val, ok := r.cache.Get(ctx, key); ok {
			return val, models.GenerateMeta{
				Provider: settings.Provider,
				Model:    settings.Model,
				Cache:    "hit",
			}, nil
		}
	}

	sem := r.sem(useCase)
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", models.GenerateMeta{}, faults.Wrap(faults.Cancelled, "llm concurrency gate", err)
	}
	defer sem.Release(1)

	text, meta, err := r.generateChain(ctx, useCase, settings, messages, o)
	if err != nil {
		return "", meta, err
	}
	if ttl > 0 {
		r.cache.Set(ctx, key, text, ttl)
	}
	return text, meta, nil
}

// generateChain walks the fallback chain, retrying transient failures on
// each hop before moving to the next.
func (r *Router) generateChain(ctx context.Context, useCase models.UseCase, settings config.UseCaseSettings, messages []models.ChatMessage, o Options) (string, models.GenerateMeta, error) {
	var trail []string

	for i, hop := range chain(settings) {
		provider, ok := r.providers[hop.Provider]
		if !ok {
			trail = append(trail, fmt.Sprintf("%s: unknown provider", hop.Provider))
			continue
		}

		start := time.Now()
		text, inTok, outTok, err := r.withRetry(ctx, settings.Timeout, func(callCtx context.Context) (string, int, int, error) {
			return provider.Generate(callCtx, hop.Model, messages, o)
		})
		if err == nil {
			return text, models.GenerateMeta{
				Provider:     hop.Provider,
				Model:        hop.Model,
				InputTokens:  inTok,
				OutputTokens: outTok,
				Latency:      time.Since(start),
				Fallback:     i > 0,
			}, nil
		}

		trail = append(trail, fmt.Sprintf("%s/%s: %v", hop.Provider, hop.Model, err))
		if faults.IsKind(err, faults.Cancelled) {
			return "", models.GenerateMeta{}, err
		}
		log.Warn().
			Str("use_case", string(useCase)).
			Str("provider", hop.Provider).
			Str("model", hop.Model).
			Err(err).
			Msg("provider hop failed, trying next")
	}

	return "", models.GenerateMeta{}, faults.Newf(faults.LLMUnavailable,
		"all providers exhausted for %s: %s", useCase, strings.Join(trail, "; "))
}

// withRetry runs one provider call with the per-call timeout and the
// jittered exponential retry budget for transient failures.
func (r *Router) withRetry(ctx context.Context, timeout time.Duration, call func(context.Context) (string, int, int, error)) (string, int, int, error) {
	var lastErr error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if attempt > 0 {
			wait := retryBase << (attempt - 1)
			wait += time.Duration(rand.Int63n(int64(retryBase)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", 0, 0, faults.Wrap(faults.Cancelled, "retry wait", ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		text, inTok, outTok, err := call(callCtx)
		cancel()
		if err == nil {
			return text, inTok, outTok, nil
		}
		lastErr = err
		if !faults.Retryable(err) {
			break
		}
	}
	return "", 0, 0, lastErr
}

// StreamForUseCase generates with streaming. Chunks arrive on the returned
// channel; the channel closes when the stream ends. A non-nil error on the
// result channel reports how the stream terminated. Realtime streams are
// never cached. Caller cancellation stops the upstream request within one
// in-flight chunk.
func (r *Router) StreamForUseCase(ctx context.Context, useCase models.UseCase, messages []models.ChatMessage, opts *Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 8)
	errs := make(chan error, 1)

	settings := config.UseCaseConfig(string(useCase))
	o := resolveOpts(settings, opts)

	go func() {
		defer close(chunks)
		defer close(errs)

		sem := r.sem(useCase)
		if err := sem.Acquire(ctx, 1); err != nil {
			errs <- faults.Wrap(faults.Cancelled, "llm concurrency gate", err)
			return
		}
		defer sem.Release(1)

		var trail []string
		for _, hop := range chain(settings) {
			provider, ok := r.providers[hop.Provider]
			if !ok {
				trail = append(trail, fmt.Sprintf("%s: unknown provider", hop.Provider))
				continue
			}

			// Relay per hop so fallback only happens before the first
			// chunk reaches the caller; switching providers mid-stream
			// would duplicate output.
			hopChunks := make(chan string, 8)
			done := make(chan error, 1)
			go func(p Provider, model string) {
				done <- p.Stream(ctx, model, messages, o, hopChunks)
				close(hopChunks)
			}(provider, hop.Model)

			emitted := false
			for c := range hopChunks {
				select {
				case chunks <- c:
					emitted = true
				case <-ctx.Done():
					errs <- faults.Wrap(faults.Cancelled, "stream relay", ctx.Err())
					return
				}
			}
			err := <-done
			if err == nil {
				return
			}
			trail = append(trail, fmt.Sprintf("%s/%s: %v", hop.Provider, hop.Model, err))
			if emitted || faults.IsKind(err, faults.Cancelled) {
				errs <- err
				return
			}
			log.Warn().Str("use_case", string(useCase)).Str("provider", hop.Provider).Err(err).Msg("stream hop failed, trying next")
		}
		errs <- faults.Newf(faults.LLMUnavailable, "all providers exhausted for %s: %s", useCase, strings.Join(trail, "; "))
	}()

	return chunks, errs
}

func resolveOpts(s config.UseCaseSettings, opts *Options) Options {
	o := Options{MaxTokens: s.MaxTokens, Temperature: s.Temperature}
	if opts != nil {
		if opts.MaxTokens > 0 {
			o.MaxTokens = opts.MaxTokens
		}
		if opts.Temperature > 0 {
			o.Temperature = opts.Temperature
		}
		o.JSONMode = opts.JSONMode
	}
	return o
}
