// Package capability resolves and caches the capabilities granted to a
// caller from their roles and site.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache keyed
// by subject and site.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxEntries bounds the cache. When full, expired entries are evicted
// first and then the whole cache is cleared.
func WithMaxEntries(n int) ResolverOption {
	return func(r *Resolver) { r.maxEntries = n }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.Site
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked()
	}
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject at every site.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) evictLocked() {
	now := r.now()
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) >= r.maxEntries {
		clear(r.cache)
	}
}
