package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Readiness          observability.ReadinessChecks

	Cases          CaseService
	Approvals      ApprovalService
	Configurations ConfigurationService

	// APISpec is optional; nil disables request body validation and the
	// /openapi.json document.
	APISpec *openapi.Index

	// IdempotencyStore is optional; nil disables X-Idempotency-Key handling.
	IdempotencyStore idempotency.Store
	IdempotencyTTL   time.Duration
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}
	if deps.APISpec != nil {
		r.Get("/openapi.json", handleAPIDocument(deps.APISpec))
	}

	redactor := observability.NewRedactor(deps.Config.Observability.RedactFields...)
	body := func(operationID string) func(http.Handler) http.Handler {
		return ValidateBody(deps.APISpec, operationID, redactor)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL, deps.Metrics, logger))

		if deps.Cases != nil {
			r.Route("/cases", func(r chi.Router) {
				r.With(RequireCapability(model.CapCaseView)).Get("/", handleCaseList(deps.Cases))
				r.With(RequireCapability(model.CapCaseTransition), body("openCase")).Post("/", handleCaseOpen(deps.Cases))

				r.Route("/{caseId}", func(r chi.Router) {
					r.With(RequireCapability(model.CapCaseView)).Get("/", handleCaseGet(deps.Cases))
					r.With(RequireCapability(model.CapCaseView)).Get("/audit", handleCaseAudit(deps.Cases))
					r.With(RequireCapability(model.CapCaseTransition), body("transitionCase")).Post("/transitions", handleCaseTransition(deps.Cases))
					r.With(RequireCapability(model.CapCaseTransition), body("updateCaseFields")).Patch("/fields", handleCaseFields(deps.Cases))
					r.With(RequireCapability(model.CapCaseDisposition), body("setCaseDisposition")).Put("/disposition", handleCaseDisposition(deps.Cases))
					if deps.Approvals != nil {
						r.With(RequireCapability(model.CapApprovalView)).Get("/approvals", handleCaseApprovals(deps.Approvals))
					}
				})
			})
		}

		if deps.Approvals != nil {
			r.Route("/approvals", func(r chi.Router) {
				r.With(RequireCapability(model.CapApprovalReconcile)).Get("/reconciliation", handleReconciliationList(deps.Approvals))

				r.Route("/{requestId}", func(r chi.Router) {
					r.With(RequireCapability(model.CapApprovalView)).Get("/", handleApprovalGet(deps.Approvals))
					r.With(RequireCapability(model.CapApprovalView)).Get("/audit", handleApprovalAudit(deps.Approvals))
					r.With(RequireCapability(model.CapApprovalDecide), body("approveRequest")).Post("/approve", handleApprovalApprove(deps.Approvals))
					r.With(RequireCapability(model.CapApprovalDecide), body("rejectRequest")).Post("/reject", handleApprovalReject(deps.Approvals))
					r.With(RequireCapability(model.CapApprovalDelegate), body("delegateRequest")).Post("/delegate", handleApprovalDelegate(deps.Approvals))
					r.With(RequireCapability(model.CapApprovalReconcile)).Post("/reconcile", handleApprovalReconcile(deps.Approvals))
				})
			})
		}

		if deps.Configurations != nil {
			r.Route("/configurations", func(r chi.Router) {
				r.With(RequireCapability(model.CapConfigView)).Get("/", handleConfigurationList(deps.Configurations))
				r.With(RequireCapability(model.CapConfigView)).Get("/resolve", handleConfigurationResolve(deps.Configurations))
				r.With(RequireCapability(model.CapConfigWrite), body("putConfiguration")).Put("/", handleConfigurationPut(deps.Configurations))
				r.With(RequireCapability(model.CapConfigWrite)).Delete("/", handleConfigurationDelete(deps.Configurations))
			})
		}
	})

	return r
}

func handleAPIDocument(idx *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, idx.Document())
	}
}
