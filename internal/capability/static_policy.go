package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseflow/model"
)

// policyFile maps roles to capabilities. Site entries add grants that apply
// only to callers whose site matches.
type policyFile struct {
	Roles map[string][]string            `yaml:"roles"`
	Sites map[string]map[string][]string `yaml:"sites"`
}

// defaultPolicy is used when no policy file is configured.
var defaultPolicy = policyFile{
	Roles: map[string][]string{
		"Admin": {"*"},
		"QualityEngineer": {
			model.CapCaseView, model.CapCaseTransition, model.CapCaseDisposition,
			model.CapApprovalView, model.CapConfigView,
		},
		"QualityManager": {
			"cases:*", model.CapApprovalView, model.CapApprovalDecide,
			model.CapApprovalDelegate, model.CapConfigView,
		},
		"MRBChair": {
			model.CapCaseView, model.CapApprovalView, model.CapApprovalDecide,
			model.CapApprovalDelegate,
		},
		"Viewer": {model.CapCaseView, model.CapApprovalView},
	},
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from
// path. An empty path uses the built-in role map.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context, plus any grants for those roles at the caller's site.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	site := e.policy.Sites[rctx.Site]
	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
		for _, cap := range site[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Evaluate checks a single capability against the resolved set.
func (e *StaticPolicyEvaluator) Evaluate(rctx *model.RequestContext, capability string) (bool, error) {
	caps, err := e.ResolveCapabilities(rctx)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		e.mu.Lock()
		e.policy = defaultPolicy
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
