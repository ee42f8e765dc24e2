// Package idempotency caches the responses of mutating requests sent with an
// X-Idempotency-Key so that client retries replay instead of re-executing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/model"
)

// Response is a cached HTTP response.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store provides deduplication for mutating requests.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the cached response. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (resp *Response, found bool, err error)

	// Store saves a response keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	InputHash string   `json:"input_hash"`
	Response  Response `json:"response"`
}

// Key builds the storage key. Keys are scoped per subject and route so two
// users cannot collide on the same client-chosen key.
func Key(subjectID, route, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s", subjectID, route, clientKey)
}

// Hash returns the input hash of a request.
func Hash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) *model.ErrorEnvelope {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check looks up a cached response.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Store saves a response with TTL.
func (s *MemoryStore) Store(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Entries expire through Redis TTLs.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

// Store saves a response in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
