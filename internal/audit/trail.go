// Package audit records immutable transition and approval events. Entries are
// append-only; there is no update or delete.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/caseflow/model"
)

// Trail is the append-only audit log.
type Trail interface {
	// Record appends an entry. An empty ID or zero Timestamp is filled in.
	Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error)

	// QueryByCase returns every entry for a case in chronological order.
	QueryByCase(ctx context.Context, caseID string) ([]model.AuditEntry, error)

	// QueryByRequest returns every entry for an approval request in
	// chronological order.
	QueryByRequest(ctx context.Context, requestID string) ([]model.AuditEntry, error)

	// QueryByEvent returns entries with the given event name recorded at or
	// after since, oldest first.
	QueryByEvent(ctx context.Context, event string, since time.Time) ([]model.AuditEntry, error)
}

// prepare fills in generated fields.
func prepare(entry model.AuditEntry) model.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	return entry
}

// MemoryTrail is an in-memory Trail for tests and single-instance
// deployments.
type MemoryTrail struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
}

// NewMemoryTrail creates an empty in-memory audit trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

// Record appends an entry.
func (t *MemoryTrail) Record(_ context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	entry = prepare(entry)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	return entry, nil
}

// QueryByCase returns every entry for caseID.
func (t *MemoryTrail) QueryByCase(_ context.Context, caseID string) ([]model.AuditEntry, error) {
	return t.filter(func(e model.AuditEntry) bool { return e.CaseID == caseID }), nil
}

// QueryByRequest returns every entry for requestID.
func (t *MemoryTrail) QueryByRequest(_ context.Context, requestID string) ([]model.AuditEntry, error) {
	return t.filter(func(e model.AuditEntry) bool { return e.RequestID == requestID }), nil
}

// QueryByEvent returns entries named event recorded at or after since.
func (t *MemoryTrail) QueryByEvent(_ context.Context, event string, since time.Time) ([]model.AuditEntry, error) {
	return t.filter(func(e model.AuditEntry) bool {
		return e.Event == event && !e.Timestamp.Before(since)
	}), nil
}

// Len returns the number of recorded entries. For testing.
func (t *MemoryTrail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *MemoryTrail) filter(keep func(model.AuditEntry) bool) []model.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]model.AuditEntry, 0)
	for _, e := range t.entries {
		if keep(e) {
			result = append(result, e)
		}
	}
	// Stable so entries sharing a timestamp keep insertion order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}
