package model

import "time"

// ApprovalStatus is the lifecycle status of an approval request.
type ApprovalStatus string

// Approval request statuses. Only PENDING is non-terminal.
const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalExpired   ApprovalStatus = "EXPIRED"
	ApprovalDelegated ApprovalStatus = "DELEGATED"
)

// IsTerminal reports whether the status can no longer change.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest is a pending human decision gating one transition edge of
// one case. It references the case by id only.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"case_id"`
	RequestType string         `json:"request_type"`
	Status      ApprovalStatus `json:"status"`
	Approver    string         `json:"approver"`

	// FromState and ToState describe the case mutation the request
	// authorizes once approved.
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`

	RequestedBy string     `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	DueAt       time.Time  `json:"due_at"`
	Escalated   bool       `json:"escalated"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`

	Resolution             *Resolution `json:"resolution,omitempty"`
	DelegatedFromRequestID *string     `json:"delegated_from_request_id,omitempty"`
}

// Overdue reports whether the request is pending, unescalated and past due.
func (r ApprovalRequest) Overdue(now time.Time) bool {
	return r.Status == ApprovalPending && !r.Escalated && r.DueAt.Before(now)
}

// Resolution records who closed a request and why.
type Resolution struct {
	Notes      string    `json:"notes,omitempty"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}
