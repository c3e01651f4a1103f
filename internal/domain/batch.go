package domain

// Batch is an atomic unit of planned work (spec.md §3). Immutable
// after plan freeze, save for its runtime State field which the
// Orchestrator advances.
type Batch struct {
	ID             string
	RunID          string
	Goal           string
	ScopeGlobs     []string
	ExcludeGlobs   []string
	OperationKinds []BatchOperationKind
	DiffBudgetLOC  int
	RiskScore      int // 0-100
	VerifierLevel  VerifierLevel
	Critical       bool // abort the run if this batch is BLOCKED
	Notes          string

	State   BatchState
	Attempt int
}

// Plan is an ordered, sized list of batches produced by the Planner.
type Plan struct {
	RunID             string
	Batches           []*Batch
	TotalEstimatedLOC int
}

// PatchProposal is the output of one agent invocation for one batch
// (spec.md §3).
type PatchProposal struct {
	Status             ProposalStatus
	Rationale          string
	RiskNotes          []string
	PatchUnifiedDiff   string
	TouchedFiles       []string
	ExpectedVerifiers  []string
	FollowUps          []string
}

// PlannerResponse is the Agent Driver's refinement output for a plan.
type PlannerResponse struct {
	Batches []*Batch
}
