// Package cache provides the TTL cache behind the LLM response and
// embedding caches. Lookups return an explicit present/absent result
// instead of signalling absence through errors.
//
// Two backends ship: an in-process map for single-replica deployments and
// tests, and redis for shared deployments. The backend is selected by
// REDIS_URL at startup.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is a string-keyed TTL cache.
type Cache interface {
	// Get returns (value, true) on a live entry, ("", false) otherwise.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores value for ttl. A non-positive ttl stores nothing.
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// ── In-process backend ───────────────────────────────────────

type memEntry struct {
	value   string
	expires time.Time
}

// Memory is a bounded in-process TTL cache with lazy expiry and a
// random-ish eviction sweep when full.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	maxSize int
}

// NewMemory creates an in-process cache holding at most maxSize entries.
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &Memory{entries: make(map[string]memEntry), maxSize: maxSize}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return "", false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.maxSize {
		m.evictLocked()
	}
	m.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
}

// evictLocked drops expired entries first, then arbitrary ones until the
// cache is a tenth under capacity. Map iteration order supplies the
// arbitrariness.
func (m *Memory) evictLocked() {
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
		}
	}
	target := m.maxSize - m.maxSize/10
	for k := range m.entries {
		if len(m.entries) <= target {
			break
		}
		delete(m.entries, k)
	}
}

// ── Redis backend ────────────────────────────────────────────

// Redis wraps a go-redis client as a Cache. Backend errors degrade to
// cache misses; the cache is an optimization, never a source of truth.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the redis URL ("redis://host:port/db").
func NewRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Msg("redis cache get failed, treating as miss")
		return "", false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("redis cache set failed")
	}
}

// Ping checks backend reachability for the health endpoint.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
