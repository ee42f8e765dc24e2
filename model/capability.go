package model

import "strings"

// Capabilities checked by the HTTP layer before engine calls.
const (
	CapCaseView          = "cases:view"
	CapCaseTransition    = "cases:transition"
	CapCaseDisposition   = "cases:disposition"
	CapApprovalView      = "approvals:view"
	CapApprovalDecide    = "approvals:decide"
	CapApprovalDelegate  = "approvals:delegate"
	CapApprovalReconcile = "approvals:reconcile"
	CapConfigView        = "configurations:view"
	CapConfigWrite       = "configurations:write"
)

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "approvals:decide") and may include wildcards
// (e.g. "approvals:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"          matches anything
//	"cases:*"    matches "cases:transition"
//	"cases"      does NOT match "cases:transition"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator is the backend that maps roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}
