package model

import (
	"slices"
	"strings"
	"time"
)

// EdgeSeparator joins the two states of an edge key.
const EdgeSeparator = "->"

// EdgeKey returns the map key of the edge from -> to.
func EdgeKey(from, to string) string {
	return from + EdgeSeparator + to
}

// SplitEdgeKey parses an edge key. ok is false when the key is malformed.
func SplitEdgeKey(key string) (from, to string, ok bool) {
	from, to, ok = strings.Cut(key, EdgeSeparator)
	if !ok || from == "" || to == "" {
		return "", "", false
	}
	return from, to, true
}

// GatedEdge marks a transition edge that needs an approval before it commits.
type GatedEdge struct {
	RequestType  string `json:"request_type" yaml:"request_type"`
	ApproverRole string `json:"approver_role" yaml:"approver_role"`

	// ValueField and MinValue make the gate conditional: the edge is gated
	// only when the case's numeric ValueField is >= MinValue. A nil MinValue
	// gates unconditionally; a missing field counts as 0.
	ValueField string   `json:"value_field,omitempty" yaml:"value_field,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty" yaml:"min_value,omitempty"`

	// CommitTo is the state applied on approval when it differs from the
	// edge target (e.g. an MRB review that lands in CORRECTIVE_ACTION).
	CommitTo string `json:"commit_to,omitempty" yaml:"commit_to,omitempty"`
}

// Applies reports whether the gate holds for the given case.
func (g GatedEdge) Applies(c Case) bool {
	if g.MinValue == nil {
		return true
	}
	return c.NumericField(g.ValueField) >= *g.MinValue
}

// Target returns the state committed on approval of the edge from -> to.
func (g GatedEdge) Target(to string) string {
	if g.CommitTo != "" {
		return g.CommitTo
	}
	return to
}

// WorkflowConfiguration is one stored configuration layer. Nil fields are not
// defined at this scope and are inherited from a broader one.
type WorkflowConfiguration struct {
	Scope                    Scope                `json:"scope" yaml:"scope"`
	EnabledStates            []string             `json:"enabled_states,omitempty" yaml:"enabled_states,omitempty"`
	InitialState             *string              `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
	TransitionMap            map[string][]string  `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	RequiredFields           map[string][]string  `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	GatedEdges               map[string]GatedEdge `json:"gated_edges,omitempty" yaml:"gated_edges,omitempty"`
	EscalationThresholdHours map[string]int       `json:"escalation_threshold_hours,omitempty" yaml:"escalation_threshold_hours,omitempty"`
	AllowedDispositions      []string             `json:"allowed_dispositions,omitempty" yaml:"allowed_dispositions,omitempty"`

	Version   int       `json:"version" yaml:"-"`
	UpdatedBy string    `json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Configuration field names, used for provenance and validation paths.
const (
	FieldEnabledStates            = "enabled_states"
	FieldInitialState             = "initial_state"
	FieldTransitionMap            = "transitions"
	FieldRequiredFields           = "required_fields"
	FieldGatedEdges               = "gated_edges"
	FieldEscalationThresholdHours = "escalation_threshold_hours"
	FieldAllowedDispositions      = "allowed_dispositions"
)

// DefaultEscalationThresholdHours applies to request types without a
// configured threshold.
const DefaultEscalationThresholdHours = 24

// EffectiveConfiguration is the merged configuration for a scope. Every field
// is populated; Sources records which scope key supplied each field.
type EffectiveConfiguration struct {
	Scope                    Scope                `json:"scope"`
	EnabledStates            []string             `json:"enabled_states"`
	InitialState             string               `json:"initial_state"`
	TransitionMap            map[string][]string  `json:"transitions"`
	RequiredFields           map[string][]string  `json:"required_fields"`
	GatedEdges               map[string]GatedEdge `json:"gated_edges"`
	EscalationThresholdHours map[string]int       `json:"escalation_threshold_hours"`
	AllowedDispositions      []string             `json:"allowed_dispositions"`
	Sources                  map[string]string    `json:"sources"`
}

// IsEnabled reports whether state is in the enabled set.
func (e EffectiveConfiguration) IsEnabled(state string) bool {
	return slices.Contains(e.EnabledStates, state)
}

// Allowed returns the legal next states from state.
func (e EffectiveConfiguration) Allowed(state string) []string {
	return e.TransitionMap[state]
}

// CanTransition reports whether from -> to is an edge of the transition map.
func (e EffectiveConfiguration) CanTransition(from, to string) bool {
	return slices.Contains(e.TransitionMap[from], to)
}

// IsTerminal reports whether state has no outgoing edges.
func (e EffectiveConfiguration) IsTerminal(state string) bool {
	return len(e.TransitionMap[state]) == 0
}

// Required returns the fields required to take the edge from -> to.
func (e EffectiveConfiguration) Required(from, to string) []string {
	return e.RequiredFields[EdgeKey(from, to)]
}

// Gate returns the gate of the edge from -> to, if any.
func (e EffectiveConfiguration) Gate(from, to string) (GatedEdge, bool) {
	g, ok := e.GatedEdges[EdgeKey(from, to)]
	return g, ok
}

// ThresholdHours returns the escalation threshold for a request type.
func (e EffectiveConfiguration) ThresholdHours(requestType string) int {
	if h, ok := e.EscalationThresholdHours[requestType]; ok {
		return h
	}
	return DefaultEscalationThresholdHours
}

// DispositionAllowed reports whether d is an allowed disposition.
func (e EffectiveConfiguration) DispositionAllowed(d string) bool {
	return slices.Contains(e.AllowedDispositions, d)
}
