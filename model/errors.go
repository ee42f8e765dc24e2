package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotFound      = "NOT_FOUND"
	ErrConflict      = "CONFLICT"
	ErrInternalError = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrInvalidTransition       = "INVALID_TRANSITION"
	ErrMissingRequiredField    = "MISSING_REQUIRED_FIELD"
	ErrConcurrentModification  = "CONCURRENT_MODIFICATION"
	ErrApprovalAlreadyResolved = "APPROVAL_ALREADY_RESOLVED"
	ErrConfigurationNotFound   = "CONFIGURATION_NOT_FOUND"
	ErrInvalidConfiguration    = "INVALID_CONFIGURATION"
	ErrReconciliationRequired  = "RECONCILIATION_REQUIRED"
	ErrInvalidDisposition      = "INVALID_DISPOSITION"
	ErrCaseClosed              = "CASE_CLOSED"
)

// ErrorEnvelope is the standard error returned by every engine operation and
// rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details []FieldError   `json:"details,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the caller may re-fetch and re-attempt.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrConcurrentModification
}

// With returns the envelope with an extra context key set.
func (e *ErrorEnvelope) With(key string, value any) *ErrorEnvelope {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err (or anything it wraps) is an ErrorEnvelope with
// the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// CodeOf returns the envelope code of err, or ErrInternalError.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidTransitionError reports an edge that is not in the transition map
// for the case's current state.
func NewInvalidTransitionError(caseID, from, to string, allowed []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("case %q cannot move from %s to %s", caseID, from, to),
		Context: map[string]any{
			"case_id":         caseID,
			"current_state":   from,
			"attempted_state": to,
			"allowed_states":  allowed,
		},
	}
}

// NewMissingRequiredFieldError lists every field required by the edge that is
// absent on the case.
func NewMissingRequiredFieldError(caseID, from, to string, fields []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(fields))
	for _, f := range fields {
		details = append(details, FieldError{
			Field:   f,
			Code:    "REQUIRED",
			Message: fmt.Sprintf("%s is required to move from %s to %s", f, from, to),
		})
	}
	return &ErrorEnvelope{
		Code:    ErrMissingRequiredField,
		Message: fmt.Sprintf("missing required fields: %s", strings.Join(fields, ", ")),
		Details: details,
		Context: map[string]any{
			"case_id":         caseID,
			"current_state":   from,
			"attempted_state": to,
		},
	}
}

// NewConcurrentModificationError reports a failed version compare-and-set.
// Callers re-fetch and retry.
func NewConcurrentModificationError(entity, id string, expected int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("%s %q was modified concurrently (expected version %d)", entity, id, expected),
		Context: map[string]any{
			"entity":           entity,
			"id":               id,
			"expected_version": expected,
		},
	}
}

// NewApprovalAlreadyResolvedError reports a status compare-and-set on a
// request that is no longer PENDING.
func NewApprovalAlreadyResolvedError(requestID string, current ApprovalStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrApprovalAlreadyResolved,
		Message: fmt.Sprintf("approval request %q is already %s", requestID, current),
		Context: map[string]any{
			"request_id":     requestID,
			"current_status": string(current),
		},
	}
}

// NewConfigurationNotFoundError reports a missing global default.
func NewConfigurationNotFoundError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConfigurationNotFound,
		Message: "no global default workflow configuration is stored",
	}
}

// NewInvalidConfigurationError reports a configuration write whose resolved
// result would violate the enabled-state invariants.
func NewInvalidConfigurationError(scope string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidConfiguration,
		Message: fmt.Sprintf("configuration for scope %q is invalid", scope),
		Details: details,
		Context: map[string]any{"scope": scope},
	}
}

// NewReconciliationRequiredError reports an approval that committed while the
// case mutation it authorizes did not.
func NewReconciliationRequiredError(requestID, caseID string, cause error) *ErrorEnvelope {
	e := &ErrorEnvelope{
		Code:    ErrReconciliationRequired,
		Message: fmt.Sprintf("approval %q recorded but case %q was not updated", requestID, caseID),
		Context: map[string]any{
			"request_id":     requestID,
			"case_id":        caseID,
			"request_status": string(ApprovalApproved),
		},
	}
	if cause != nil {
		e.Context["cause"] = cause.Error()
		e.Context["cause_code"] = CodeOf(cause)
	}
	return e
}

// NewInvalidDispositionError reports a disposition outside the allowed set.
func NewInvalidDispositionError(caseID, disposition string, allowed []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidDisposition,
		Message: fmt.Sprintf("disposition %q is not allowed for case %q", disposition, caseID),
		Context: map[string]any{
			"case_id":              caseID,
			"disposition":          disposition,
			"allowed_dispositions": allowed,
		},
	}
}

// NewCaseClosedError reports a write to a case that sits in a terminal state.
func NewCaseClosedError(caseID, state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCaseClosed,
		Message: fmt.Sprintf("case %q is %s and can no longer change", caseID, state),
		Context: map[string]any{
			"case_id":       caseID,
			"current_state": state,
		},
	}
}
