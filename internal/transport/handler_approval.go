package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/approval"
	"github.com/pitabwire/caseflow/model"
)

// ApprovalService is the approval engine surface used by the approval routes.
type ApprovalService interface {
	Approve(ctx context.Context, requestID, actor, notes string) (approval.Outcome, error)
	Reject(ctx context.Context, requestID, actor, reason string) (model.ApprovalRequest, error)
	Delegate(ctx context.Context, requestID, actor, newApprover string) (model.ApprovalRequest, error)
	Reconcile(ctx context.Context, requestID, actor string) (approval.Outcome, error)
	Get(ctx context.Context, requestID string) (model.ApprovalRequest, error)
	ListByCase(ctx context.Context, caseID string) ([]model.ApprovalRequest, error)
	History(ctx context.Context, requestID string) ([]model.AuditEntry, error)
	PendingReconciliation(ctx context.Context, since time.Time) ([]model.ApprovalRequest, error)
}

// defaultReconciliationWindow bounds the reconciliation listing when the
// caller passes no since parameter.
const defaultReconciliationWindow = 7 * 24 * time.Hour

func handleApprovalGet(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := approvals.Get(r.Context(), chi.URLParam(r, "requestId"))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalAudit(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := approvals.History(r.Context(), chi.URLParam(r, "requestId"))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func handleCaseApprovals(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := approvals.ListByCase(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}

func handleApprovalApprove(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var body struct {
			Notes string `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		requestID := chi.URLParam(r, "requestId")
		if !authorizeApprover(w, r, approvals, requestID) {
			return
		}

		out, err := approvals.Approve(r.Context(), requestID, rctx.Actor(), body.Notes)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleApprovalReject(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		requestID := chi.URLParam(r, "requestId")
		if !authorizeApprover(w, r, approvals, requestID) {
			return
		}

		req, err := approvals.Reject(r.Context(), requestID, rctx.Actor(), body.Reason)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalDelegate(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var body struct {
			Approver string `json:"approver"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		requestID := chi.URLParam(r, "requestId")
		if !authorizeApprover(w, r, approvals, requestID) {
			return
		}

		successor, err := approvals.Delegate(r.Context(), requestID, rctx.Actor(), body.Approver)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, successor)
	}
}

func handleApprovalReconcile(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		out, err := approvals.Reconcile(r.Context(), chi.URLParam(r, "requestId"), rctx.Actor())
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleReconciliationList(approvals ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := time.Now().Add(-defaultReconciliationWindow)
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteError(w, model.NewBadRequestError("since must be an RFC 3339 timestamp"))
				return
			}
			since = t
		}
		list, err := approvals.PendingReconciliation(r.Context(), since)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}

// authorizeApprover allows a decision only from the assigned approver: a
// caller holding the approver role, or the approver user id itself.
func authorizeApprover(w http.ResponseWriter, r *http.Request, approvals ApprovalService, requestID string) bool {
	req, err := approvals.Get(r.Context(), requestID)
	if err != nil {
		writeFailure(w, r, err)
		return false
	}
	rctx := model.RequestContextFrom(r.Context())
	if rctx.HasRole(req.Approver) || rctx.SubjectID == req.Approver {
		return true
	}
	WriteError(w, model.NewForbiddenError("only the assigned approver can decide this request").
		With("approver", req.Approver))
	return false
}
