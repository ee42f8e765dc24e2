package configuration

import "github.com/pitabwire/caseflow/model"

// Reference default states.
const (
	StateDraft              = "DRAFT"
	StateSubmitted          = "SUBMITTED"
	StateUnderInvestigation = "UNDER_INVESTIGATION"
	StateContainment        = "CONTAINMENT"
	StatePendingDisposition = "PENDING_DISPOSITION"
	StateCTP                = "CTP"
	StateDDR                = "DDR"
	StateMRB                = "MRB"
	StateCorrectiveAction   = "CORRECTIVE_ACTION"
	StateVerification       = "VERIFICATION"
	StateClosed             = "CLOSED"
	StateCancelled          = "CANCELLED"
)

// Reference default request types and approver role.
const (
	RequestTypeMRBReview       = "MRB_REVIEW"
	RequestTypeClosureApproval = "CLOSURE_APPROVAL"
	RoleQualityManager         = "QualityManager"
)

// ReferenceDefault returns the global layer used when no workflow
// directories are configured. It matches configs/workflows/global.yaml.
func ReferenceDefault() model.WorkflowConfiguration {
	initial := StateDraft
	mrbThreshold := 10000.0

	withCancel := func(states ...string) []string {
		return append(states, StateCancelled)
	}

	return model.WorkflowConfiguration{
		Scope: model.GlobalScope,
		EnabledStates: []string{
			StateDraft, StateSubmitted, StateUnderInvestigation, StateContainment,
			StatePendingDisposition, StateCTP, StateDDR, StateMRB,
			StateCorrectiveAction, StateVerification, StateClosed, StateCancelled,
		},
		InitialState: &initial,
		TransitionMap: map[string][]string{
			StateDraft:              withCancel(StateSubmitted),
			StateSubmitted:          withCancel(StateUnderInvestigation),
			StateUnderInvestigation: withCancel(StateContainment, StatePendingDisposition),
			StateContainment:        withCancel(StatePendingDisposition),
			StatePendingDisposition: withCancel(StateCTP, StateDDR, StateMRB, StateCorrectiveAction),
			StateCTP:                withCancel(StateVerification),
			StateDDR:                withCancel(StateVerification),
			StateMRB:                withCancel(StateCorrectiveAction),
			StateCorrectiveAction:   withCancel(StateVerification),
			StateVerification:       withCancel(StateClosed),
			StateClosed:             {},
			StateCancelled:          {},
		},
		RequiredFields: map[string][]string{
			model.EdgeKey(StateDraft, StateSubmitted):                       {"title", "part_number"},
			model.EdgeKey(StateSubmitted, StateUnderInvestigation):          {"assigned_investigator"},
			model.EdgeKey(StateUnderInvestigation, StatePendingDisposition): {"root_cause"},
			model.EdgeKey(StateCorrectiveAction, StateVerification):         {"corrective_action_plan"},
		},
		GatedEdges: map[string]model.GatedEdge{
			model.EdgeKey(StatePendingDisposition, StateMRB): {
				RequestType:  RequestTypeMRBReview,
				ApproverRole: RoleQualityManager,
				ValueField:   "mrb_value",
				MinValue:     &mrbThreshold,
				CommitTo:     StateCorrectiveAction,
			},
			model.EdgeKey(StateVerification, StateClosed): {
				RequestType:  RequestTypeClosureApproval,
				ApproverRole: RoleQualityManager,
			},
		},
		EscalationThresholdHours: map[string]int{
			RequestTypeMRBReview:       48,
			RequestTypeClosureApproval: 72,
		},
		AllowedDispositions: []string{"USE_AS_IS", "REWORK", "REPAIR", "SCRAP", "RETURN_TO_SUPPLIER"},
	}
}
