package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// MemoryCaseStore is an in-memory CaseStore.
type MemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[string]model.Case
}

// NewMemoryCaseStore creates a new in-memory case store.
func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{cases: make(map[string]model.Case)}
}

// Create persists a new case.
func (s *MemoryCaseStore) Create(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	s.cases[c.ID] = clone(c)
	return nil
}

// Get retrieves a case by ID.
func (s *MemoryCaseStore) Get(_ context.Context, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists {
		return model.Case{}, caseNotFound(caseID)
	}
	return clone(c), nil
}

// Update persists c with optimistic locking.
func (s *MemoryCaseStore) Update(_ context.Context, c model.Case) (model.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.cases[c.ID]
	if !exists {
		return model.Case{}, caseNotFound(c.ID)
	}
	if existing.Version != c.Version {
		return model.Case{}, model.NewConcurrentModificationError("case", c.ID, c.Version)
	}

	c.Version++
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.cases[c.ID] = clone(c)
	return clone(c), nil
}

// List returns matching cases, most recently updated first.
func (s *MemoryCaseStore) List(_ context.Context, filters CaseFilters) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Case{}
	for _, c := range s.cases {
		if filters.matches(c) {
			result = append(result, clone(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Case{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of cases. For testing.
func (s *MemoryCaseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

// clone copies the mutable parts of a case so callers never share maps with
// the store.
func clone(c model.Case) model.Case {
	c.Fields = maps.Clone(c.Fields)
	if c.Disposition != nil {
		d := *c.Disposition
		c.Disposition = &d
	}
	return c
}

func caseNotFound(caseID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
}
