package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Store persists approval requests. Every status change is a compare-and-set
// from PENDING; implementations must make CreatePending, Transition, Delegate
// and ClaimEscalation atomic with respect to each other.
type Store interface {
	// CreatePending stores req unless a PENDING request with the same case
	// and request type exists, in which case that request is returned and
	// created is false.
	CreatePending(ctx context.Context, req model.ApprovalRequest) (stored model.ApprovalRequest, created bool, err error)

	// Get returns NOT_FOUND for unknown ids.
	Get(ctx context.Context, id string) (model.ApprovalRequest, error)

	// Transition moves a PENDING request to a terminal status. A request that
	// is no longer PENDING yields APPROVAL_ALREADY_RESOLVED.
	Transition(ctx context.Context, id string, to model.ApprovalStatus, res model.Resolution) (model.ApprovalRequest, error)

	// Delegate marks the request DELEGATED and inserts successor in one
	// atomic step.
	Delegate(ctx context.Context, id string, res model.Resolution, successor model.ApprovalRequest) (original, created model.ApprovalRequest, err error)

	// ListByCase returns every request of a case, oldest first.
	ListByCase(ctx context.Context, caseID string) ([]model.ApprovalRequest, error)

	// FindOverdue returns PENDING, unescalated requests due before now,
	// oldest due first. A limit <= 0 returns all.
	FindOverdue(ctx context.Context, now time.Time, limit int) ([]model.ApprovalRequest, error)

	// ClaimEscalation flips escalated from false to true. It reports false
	// when another caller already holds the claim or the request left
	// PENDING.
	ClaimEscalation(ctx context.Context, id string, at time.Time) (bool, error)
}

// MemoryStore is an in-memory Store. A single mutex serializes all writes.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]model.ApprovalRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]model.ApprovalRequest)}
}

// CreatePending stores req or returns the open request it collides with.
func (s *MemoryStore) CreatePending(_ context.Context, req model.ApprovalRequest) (model.ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if open, ok := s.openLocked(req.CaseID, req.RequestType); ok {
		return open, false, nil
	}
	if _, exists := s.requests[req.ID]; exists {
		return model.ApprovalRequest{}, false, model.NewConflictError(
			fmt.Sprintf("approval request %q already exists", req.ID),
		)
	}
	req.Status = model.ApprovalPending
	s.requests[req.ID] = req
	return req, true, nil
}

// Get returns the request with id.
func (s *MemoryStore) Get(_ context.Context, id string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return model.ApprovalRequest{}, notFound(id)
	}
	return req, nil
}

// Transition moves a PENDING request to status to.
func (s *MemoryStore) Transition(_ context.Context, id string, to model.ApprovalStatus, res model.Resolution) (model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.pendingLocked(id)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	req.Status = to
	req.Resolution = &res
	s.requests[id] = req
	return req, nil
}

// Delegate closes the original and opens successor under one lock.
func (s *MemoryStore) Delegate(_ context.Context, id string, res model.Resolution, successor model.ApprovalRequest) (model.ApprovalRequest, model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, err := s.pendingLocked(id)
	if err != nil {
		return model.ApprovalRequest{}, model.ApprovalRequest{}, err
	}
	orig.Status = model.ApprovalDelegated
	orig.Resolution = &res
	s.requests[id] = orig

	successor.Status = model.ApprovalPending
	s.requests[successor.ID] = successor
	return orig, successor, nil
}

// ListByCase returns the requests of caseID ordered by RequestedAt.
func (s *MemoryStore) ListByCase(_ context.Context, caseID string) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.ApprovalRequest{}
	for _, req := range s.requests {
		if req.CaseID == caseID {
			result = append(result, req)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

// FindOverdue returns requests eligible for escalation.
func (s *MemoryStore) FindOverdue(_ context.Context, now time.Time, limit int) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApprovalRequest
	for _, req := range s.requests {
		if req.Overdue(now) {
			result = append(result, req)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(result[j].DueAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// ClaimEscalation sets Escalated on a pending, unescalated request.
func (s *MemoryStore) ClaimEscalation(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return false, notFound(id)
	}
	if req.Status != model.ApprovalPending || req.Escalated {
		return false, nil
	}
	req.Escalated = true
	req.EscalatedAt = &at
	s.requests[id] = req
	return true, nil
}

// Len returns the number of stored requests. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func (s *MemoryStore) openLocked(caseID, requestType string) (model.ApprovalRequest, bool) {
	for _, req := range s.requests {
		if req.CaseID == caseID && req.RequestType == requestType && req.Status == model.ApprovalPending {
			return req, true
		}
	}
	return model.ApprovalRequest{}, false
}

func (s *MemoryStore) pendingLocked(id string) (model.ApprovalRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return model.ApprovalRequest{}, notFound(id)
	}
	if req.Status != model.ApprovalPending {
		return model.ApprovalRequest{}, model.NewApprovalAlreadyResolvedError(id, req.Status)
	}
	return req, nil
}

func notFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
}
