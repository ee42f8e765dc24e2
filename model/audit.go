package model

import "time"

// Audit entry kinds.
const (
	AuditKindTransition = "transition"
	AuditKindApproval   = "approval"
)

// Audit events.
const (
	EventTransitionApplied   = "transition_applied"
	EventTransitionRequested = "transition_pending_approval"
	EventGatedTransition     = "gated_transition_applied"
	EventDispositionSet      = "disposition_set"
	EventCaseOpened          = "case_opened"

	EventApprovalRequested      = "approval_requested"
	EventApprovalApproved       = "approval_approved"
	EventApprovalRejected       = "approval_rejected"
	EventApprovalDelegated      = "approval_delegated"
	EventApprovalExpired        = "approval_expired"
	EventApprovalEscalated      = "approval_escalated"
	EventReconciliationRequired = "reconciliation_required"
	EventReconciled             = "reconciled"
)

// AuditEntry is an immutable record of a transition or approval event. It
// carries a CaseID, a RequestID, or both.
type AuditEntry struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	Event            string         `json:"event"`
	CaseID           string         `json:"case_id,omitempty"`
	RequestID        string         `json:"request_id,omitempty"`
	Actor            string         `json:"actor"`
	Timestamp        time.Time      `json:"timestamp"`
	FromValue        string         `json:"from_value,omitempty"`
	ToValue          string         `json:"to_value,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	ApprovalRequired bool           `json:"approval_required"`
	Data             map[string]any `json:"data,omitempty"`
}
