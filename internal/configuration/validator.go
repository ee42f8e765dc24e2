package configuration

import (
	"fmt"
	"sort"

	"github.com/pitabwire/caseflow/model"
)

// Validation codes.
const (
	CodeRequired     = "REQUIRED"
	CodeUnknownState = "UNKNOWN_STATE"
	CodeUnknownEdge  = "UNKNOWN_EDGE"
	CodeMalformed    = "MALFORMED"
	CodeDuplicate    = "DUPLICATE"
	CodeInvalidScope = "INVALID_SCOPE"
)

// Validator checks configuration layers and resolved configurations.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLayer checks a single stored layer in isolation.
func (v *Validator) ValidateLayer(cfg model.WorkflowConfiguration) []model.FieldError {
	var errs []model.FieldError

	if cfg.Scope.Site == "" && cfg.Scope.Severity != "" {
		errs = append(errs, model.FieldError{
			Field:   "scope.severity",
			Code:    CodeInvalidScope,
			Message: "a severity override requires a site",
		})
	}

	if cfg.Scope.Level() == model.ScopeGlobal {
		if cfg.EnabledStates == nil {
			errs = append(errs, required(model.FieldEnabledStates))
		}
		if cfg.InitialState == nil {
			errs = append(errs, required(model.FieldInitialState))
		}
		if cfg.TransitionMap == nil {
			errs = append(errs, required(model.FieldTransitionMap))
		}
	}

	for _, rt := range sortedKeys(cfg.EscalationThresholdHours) {
		if cfg.EscalationThresholdHours[rt] < 0 {
			errs = append(errs, model.FieldError{
				Field:   model.FieldEscalationThresholdHours + "." + rt,
				Code:    CodeMalformed,
				Message: "threshold hours must not be negative",
			})
		}
	}

	return errs
}

// ValidateEffective checks that every state referenced by a resolved
// configuration is enabled and every gate sits on a real edge.
func (v *Validator) ValidateEffective(eff model.EffectiveConfiguration) []model.FieldError {
	var errs []model.FieldError

	enabled := make(map[string]bool, len(eff.EnabledStates))
	for _, s := range eff.EnabledStates {
		if enabled[s] {
			errs = append(errs, model.FieldError{
				Field:   model.FieldEnabledStates,
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("state %s is listed twice", s),
			})
		}
		enabled[s] = true
	}
	if len(enabled) == 0 {
		errs = append(errs, required(model.FieldEnabledStates))
	}

	if eff.InitialState == "" {
		errs = append(errs, required(model.FieldInitialState))
	} else if !enabled[eff.InitialState] {
		errs = append(errs, unknownState(model.FieldInitialState, eff.InitialState))
	}

	for _, from := range sortedKeys(eff.TransitionMap) {
		path := model.FieldTransitionMap + "." + from
		if !enabled[from] {
			errs = append(errs, unknownState(path, from))
		}
		for _, to := range eff.TransitionMap[from] {
			if !enabled[to] {
				errs = append(errs, unknownState(path, to))
			}
		}
	}

	for _, key := range sortedKeys(eff.RequiredFields) {
		errs = append(errs, v.checkEdgeStates(model.FieldRequiredFields+"."+key, key, enabled)...)
	}

	for _, key := range sortedKeys(eff.GatedEdges) {
		path := model.FieldGatedEdges + "." + key
		edgeErrs := v.checkEdgeStates(path, key, enabled)
		errs = append(errs, edgeErrs...)
		if len(edgeErrs) == 0 {
			from, to, _ := model.SplitEdgeKey(key)
			if !eff.CanTransition(from, to) {
				errs = append(errs, model.FieldError{
					Field:   path,
					Code:    CodeUnknownEdge,
					Message: fmt.Sprintf("gated edge %s is not in the transition map", key),
				})
			}
		}

		g := eff.GatedEdges[key]
		if g.RequestType == "" {
			errs = append(errs, required(path+".request_type"))
		}
		if g.ApproverRole == "" {
			errs = append(errs, required(path+".approver_role"))
		}
		if g.MinValue != nil && g.ValueField == "" {
			errs = append(errs, required(path+".value_field"))
		}
		if g.CommitTo != "" && !enabled[g.CommitTo] {
			errs = append(errs, unknownState(path+".commit_to", g.CommitTo))
		}
	}

	return errs
}

func (v *Validator) checkEdgeStates(path, key string, enabled map[string]bool) []model.FieldError {
	from, to, ok := model.SplitEdgeKey(key)
	if !ok {
		return []model.FieldError{{
			Field:   path,
			Code:    CodeMalformed,
			Message: fmt.Sprintf("edge %q must have the form FROM%sTO", key, model.EdgeSeparator),
		}}
	}
	var errs []model.FieldError
	if !enabled[from] {
		errs = append(errs, unknownState(path, from))
	}
	if !enabled[to] {
		errs = append(errs, unknownState(path, to))
	}
	return errs
}

func required(field string) model.FieldError {
	return model.FieldError{Field: field, Code: CodeRequired, Message: field + " is required"}
}

func unknownState(field, state string) model.FieldError {
	return model.FieldError{
		Field:   field,
		Code:    CodeUnknownState,
		Message: fmt.Sprintf("state %s is not in enabled_states", state),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
