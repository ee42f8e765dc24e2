package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Case is the record whose lifecycle is governed by the workflow engine. The
// CRUD layer owns creation and business fields; the workflow engine owns
// CurrentState, Disposition and Version.
type Case struct {
	ID           string         `json:"id"`
	CurrentState string         `json:"current_state"`
	Scope        Scope          `json:"scope"`
	Disposition  *string        `json:"disposition,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasField reports whether the business field is present and non-empty.
// Empty strings and nil values count as absent.
func (c Case) HasField(name string) bool {
	v, ok := c.Fields[name]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// NumericField returns the numeric value of a business field. Missing or
// non-numeric values yield 0.
func (c Case) NumericField(name string) float64 {
	switch v := c.Fields[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return 0
}

// Scope selects which configuration layers apply to a case.
type Scope struct {
	Site     string `json:"site,omitempty" yaml:"site,omitempty"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Scope levels, from broadest to narrowest.
const (
	ScopeGlobal       = "global"
	ScopeSite         = "site"
	ScopeSiteSeverity = "site_severity"
)

// GlobalScope is the scope of the default configuration.
var GlobalScope = Scope{}

// Level returns the scope level.
func (s Scope) Level() string {
	switch {
	case s.Site == "":
		return ScopeGlobal
	case s.Severity == "":
		return ScopeSite
	default:
		return ScopeSiteSeverity
	}
}

// Key returns the storage key of the scope: "global", "site:<site>" or
// "site:<site>/severity:<severity>".
func (s Scope) Key() string {
	switch s.Level() {
	case ScopeGlobal:
		return ScopeGlobal
	case ScopeSite:
		return "site:" + s.Site
	default:
		return "site:" + s.Site + "/severity:" + s.Severity
	}
}

// Parent returns the next broader scope. The parent of the global scope is
// itself.
func (s Scope) Parent() Scope {
	switch s.Level() {
	case ScopeSiteSeverity:
		return Scope{Site: s.Site}
	default:
		return GlobalScope
	}
}

// Chain returns the scopes to merge, broadest first.
func (s Scope) Chain() []Scope {
	switch s.Level() {
	case ScopeGlobal:
		return []Scope{GlobalScope}
	case ScopeSite:
		return []Scope{GlobalScope, s}
	default:
		return []Scope{GlobalScope, {Site: s.Site}, s}
	}
}

// Covers reports whether other is s or narrower than s.
func (s Scope) Covers(other Scope) bool {
	switch s.Level() {
	case ScopeGlobal:
		return true
	case ScopeSite:
		return other.Site == s.Site
	default:
		return other == s
	}
}

// TransitionOutcome statuses.
const (
	OutcomeApplied         = "applied"
	OutcomePendingApproval = "pending_approval"
)

// TransitionOutcome is the result of a transition attempt. Case reflects the
// stored case after the call; on pending_approval its state is unchanged.
type TransitionOutcome struct {
	Status    string `json:"status"`
	Case      Case   `json:"case"`
	RequestID string `json:"request_id,omitempty"`
}
