package transport

import (
	"context"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// ConfigurationService is the configuration resolver surface used by the
// configuration routes.
type ConfigurationService interface {
	Resolve(ctx context.Context, scope model.Scope) (model.EffectiveConfiguration, error)
	Put(ctx context.Context, cfg model.WorkflowConfiguration, actor string) (model.WorkflowConfiguration, error)
	Delete(ctx context.Context, scope model.Scope, actor string) error
	List() []model.WorkflowConfiguration
}

func scopeFromQuery(r *http.Request) model.Scope {
	q := r.URL.Query()
	return model.Scope{Site: q.Get("site"), Severity: q.Get("severity")}
}

func handleConfigurationList(configs ConfigurationService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": configs.List()})
	}
}

func handleConfigurationResolve(configs ConfigurationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eff, err := configs.Resolve(r.Context(), scopeFromQuery(r))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, eff)
	}
}

func handleConfigurationPut(configs ConfigurationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		var layer model.WorkflowConfiguration
		if !decodeBody(w, r, &layer) {
			return
		}
		stored, err := configs.Put(r.Context(), layer, rctx.Actor())
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, stored)
	}
}

func handleConfigurationDelete(configs ConfigurationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if err := configs.Delete(r.Context(), scopeFromQuery(r), rctx.Actor()); err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
