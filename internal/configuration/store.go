// Package configuration stores scoped workflow configuration layers, validates
// them at write time, and resolves the effective configuration for a scope by
// field-level merge over an atomically swapped snapshot.
package configuration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Store persists configuration layers keyed by scope.
type Store interface {
	// List returns every stored layer.
	List(ctx context.Context) ([]model.WorkflowConfiguration, error)

	// Get returns the layer stored for scope, or NOT_FOUND.
	Get(ctx context.Context, scope model.Scope) (model.WorkflowConfiguration, error)

	// Put creates or replaces the layer for cfg.Scope. When cfg.Version is
	// non-zero it must equal the stored version, otherwise the write fails
	// with CONCURRENT_MODIFICATION. The stored layer is returned with its new
	// version.
	Put(ctx context.Context, cfg model.WorkflowConfiguration) (model.WorkflowConfiguration, error)

	// Delete removes the layer for scope, or returns NOT_FOUND.
	Delete(ctx context.Context, scope model.Scope) error
}

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	layers map[string]model.WorkflowConfiguration
}

// NewMemoryStore creates an empty in-memory configuration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{layers: make(map[string]model.WorkflowConfiguration)}
}

// List returns all layers ordered from broadest to narrowest scope.
func (s *MemoryStore) List(_ context.Context) ([]model.WorkflowConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowConfiguration, 0, len(s.layers))
	for _, l := range s.layers {
		result = append(result, l)
	}
	sortLayers(result)
	return result, nil
}

// Get returns the layer for scope.
func (s *MemoryStore) Get(_ context.Context, scope model.Scope) (model.WorkflowConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.layers[scope.Key()]
	if !ok {
		return model.WorkflowConfiguration{}, model.NewNotFoundError(
			fmt.Sprintf("configuration for scope %q not found", scope.Key()),
		)
	}
	return l, nil
}

// Put stores the layer with optimistic locking on Version.
func (s *MemoryStore) Put(_ context.Context, cfg model.WorkflowConfiguration) (model.WorkflowConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cfg.Scope.Key()
	existing, exists := s.layers[key]
	if cfg.Version != 0 && (!exists || existing.Version != cfg.Version) {
		return model.WorkflowConfiguration{}, model.NewConcurrentModificationError("configuration", key, cfg.Version)
	}

	cfg.Version = existing.Version + 1
	cfg.UpdatedAt = time.Now().UTC()
	s.layers[key] = cfg
	return cfg, nil
}

// Delete removes the layer for scope.
func (s *MemoryStore) Delete(_ context.Context, scope model.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scope.Key()
	if _, ok := s.layers[key]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("configuration for scope %q not found", key))
	}
	delete(s.layers, key)
	return nil
}

// sortLayers orders layers broadest first, then by key.
func sortLayers(layers []model.WorkflowConfiguration) {
	rank := map[string]int{model.ScopeGlobal: 0, model.ScopeSite: 1, model.ScopeSiteSeverity: 2}
	sort.Slice(layers, func(i, j int) bool {
		ri, rj := rank[layers[i].Scope.Level()], rank[layers[j].Scope.Level()]
		if ri != rj {
			return ri < rj
		}
		return layers[i].Scope.Key() < layers[j].Scope.Key()
	})
}
