package workflow

import (
	"context"

	"github.com/pitabwire/caseflow/model"
)

// CaseStore persists cases. The workflow engine is the only writer of
// CurrentState, Disposition and Version.
type CaseStore interface {
	// Create persists a new case. Returns CONFLICT if the id is taken.
	Create(ctx context.Context, c model.Case) error

	// Get retrieves a case by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, caseID string) (model.Case, error)

	// Update persists c if the stored version still equals c.Version and
	// returns the stored case with its version incremented. A version
	// mismatch yields CONCURRENT_MODIFICATION.
	Update(ctx context.Context, c model.Case) (model.Case, error)

	// List returns cases matching filters, most recently updated first.
	List(ctx context.Context, filters CaseFilters) ([]model.Case, error)
}

// CaseFilters are optional filters for listing cases.
type CaseFilters struct {
	State    string
	Site     string
	Severity string
	Limit    int
	Offset   int
}

func (f CaseFilters) matches(c model.Case) bool {
	if f.State != "" && c.CurrentState != f.State {
		return false
	}
	if f.Site != "" && c.Scope.Site != f.Site {
		return false
	}
	if f.Severity != "" && c.Scope.Severity != f.Severity {
		return false
	}
	return true
}
