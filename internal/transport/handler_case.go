package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// CaseService is the workflow engine surface used by the case routes.
type CaseService interface {
	Open(ctx context.Context, c model.Case, actor string) (model.Case, error)
	AttemptTransition(ctx context.Context, caseID, toState, actor, reason string) (model.TransitionOutcome, error)
	SetDisposition(ctx context.Context, caseID, disposition, actor string) (model.Case, error)
	UpdateFields(ctx context.Context, caseID string, fields map[string]any, expectedVersion int) (model.Case, error)
	Get(ctx context.Context, caseID string) (model.Case, error)
	List(ctx context.Context, filters workflow.CaseFilters) ([]model.Case, error)
	History(ctx context.Context, caseID string) ([]model.AuditEntry, error)
	Allowed(ctx context.Context, caseID string) ([]string, error)
}

type caseView struct {
	model.Case
	AllowedTransitions []string `json:"allowed_transitions"`
}

func handleCaseOpen(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var body struct {
			ID       string         `json:"id"`
			Site     string         `json:"site"`
			Severity string         `json:"severity"`
			Fields   map[string]any `json:"fields"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Site == "" {
			body.Site = rctx.Site
		}

		c, err := cases.Open(r.Context(), model.Case{
			ID:     body.ID,
			Scope:  model.Scope{Site: body.Site, Severity: body.Severity},
			Fields: body.Fields,
		}, rctx.Actor())
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}

func handleCaseGet(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")
		c, err := cases.Get(r.Context(), caseID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		allowed, err := cases.Allowed(r.Context(), caseID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		if allowed == nil {
			allowed = []string{}
		}
		WriteJSON(w, http.StatusOK, caseView{Case: c, AllowedTransitions: allowed})
	}
}

func handleCaseList(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := workflow.CaseFilters{
			State:    q.Get("state"),
			Site:     q.Get("site"),
			Severity: q.Get("severity"),
			Limit:    queryInt(r, "limit", 50),
			Offset:   queryInt(r, "offset", 0),
		}
		list, err := cases.List(r.Context(), filters)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   list,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleCaseTransition(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var body struct {
			ToState string `json:"to_state"`
			Reason  string `json:"reason"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.ToState == "" {
			WriteError(w, model.NewBadRequestError("to_state is required"))
			return
		}

		out, err := cases.AttemptTransition(r.Context(), chi.URLParam(r, "caseId"), body.ToState, rctx.Actor(), body.Reason)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		status := http.StatusOK
		if out.Status == model.OutcomePendingApproval {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, out)
	}
}

func handleCaseDisposition(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var body struct {
			Disposition string `json:"disposition"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, err := cases.SetDisposition(r.Context(), chi.URLParam(r, "caseId"), body.Disposition, rctx.Actor())
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCaseFields(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Fields  map[string]any `json:"fields"`
			Version int            `json:"version"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if len(body.Fields) == 0 {
			WriteError(w, model.NewBadRequestError("fields is required"))
			return
		}
		c, err := cases.UpdateFields(r.Context(), chi.URLParam(r, "caseId"), body.Fields, body.Version)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleCaseAudit(cases CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := cases.History(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

// --- helpers ---

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
// An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

// writeFailure writes err and logs unexpected failures with the request
// logger.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
		ee = model.NewInternalError()
	}
	ee.TraceID = observability.TraceIDFromContext(r.Context())
	WriteError(w, ee)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
