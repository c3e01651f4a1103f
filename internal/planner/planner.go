// Package planner generates the ordered batch plan the Orchestrator
// executes. GenerateNaivePlan implements spec.md §4.F's risk-limiting
// heuristic verbatim, grounded on
// original_source/refactor_bot/planner.py's generate_naive_plan.
// RefineWithAgent hands the naive draft to the Planner role for
// optional reordering/merging/splitting, validated with the strict
// full-rejection policy spec.md §4.F/§6 mandates in place of the
// Python original's per-field clamping in refine_with_llm.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hochfrequenz/refactor-orch/internal/agentdriver"
	"github.com/hochfrequenz/refactor-orch/internal/config"
	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/prompts"
)

// RepoIndex is the minimal read interface this package needs from the
// out-of-scope external indexer: files grouped by extension, and the
// fan-in-based hotspot/leaf rankings used to seed the naive plan.
type RepoIndex interface {
	FilesByExtension() map[string][]string
	FanIn(path string) int
	// Hotspots returns paths with fan-in >= minFanIn, highest fan-in
	// first (ties broken by path).
	Hotspots(minFanIn int) []string
	// Leaves returns paths with zero fan-in (nothing depends on
	// them), sorted by path.
	Leaves() []string
}

// formattableExtensions mirrors planner.py's formattable_langs, keyed
// by file extension instead of language name.
var formattableExtensions = map[string]bool{
	"py": true, "js": true, "ts": true, "rs": true, "go": true,
	"java": true, "gd": true, "c": true, "cpp": true, "cs": true,
	"swift": true, "kt": true, "rb": true, "php": true, "lua": true,
	"sh": true, "bash": true,
}

// importCleanupExtensions mirrors planner.py's explicit py/js/ts-only
// import-cleanup scope.
var importCleanupExtensions = map[string]bool{"py": true, "js": true, "ts": true}

func estimateRisk(paths []string, index RepoIndex) int {
	if index == nil {
		return 50
	}
	totalFanIn := 0
	for _, p := range paths {
		totalFanIn += index.FanIn(p)
	}
	switch {
	case totalFanIn <= 5:
		return 20
	case totalFanIn <= 20:
		return 50
	default:
		if v := 50 + totalFanIn; v < 80 {
			return v
		}
		return 80
	}
}

type idGen struct{ n int }

func (g *idGen) next() string {
	g.n++
	return fmt.Sprintf("batch-%03d", g.n)
}

// GenerateNaivePlan builds the heuristic plan for repo, per spec.md
// §4.F's risk-limiting order: format -> import cleanup -> hotspot
// renames/extracts -> leaf modules -> risk-ascending sort -> truncate
// to cfg.MaxBatches.
func GenerateNaivePlan(runID string, index RepoIndex, cfg *config.Config) *domain.Plan {
	ids := &idGen{}
	var batches []*domain.Batch

	filesByExt := map[string][]string{}
	if index != nil {
		filesByExt = index.FilesByExtension()
	}

	if cfg.AllowFormattingOnly {
		for _, ext := range sortedKeys(filesByExt) {
			if !formattableExtensions[ext] {
				continue
			}
			if len(filesByExt[ext]) == 0 {
				continue
			}
			batches = append(batches, &domain.Batch{
				ID:             ids.next(),
				RunID:          runID,
				Goal:           fmt.Sprintf("Format all .%s files", ext),
				ScopeGlobs:     []string{"**/*." + ext},
				OperationKinds: []domain.BatchOperationKind{domain.OpFormat},
				DiffBudgetLOC:  100,
				RiskScore:      5,
				VerifierLevel:  domain.VerifierFast,
				Notes:          "Formatting only - no logic changes",
				State:          domain.StatePending,
			})
		}
	}

	for _, ext := range sortedKeys(filesByExt) {
		if !importCleanupExtensions[ext] || len(filesByExt[ext]) == 0 {
			continue
		}
		batches = append(batches, &domain.Batch{
			ID:    ids.next(),
			RunID: runID,
			Goal:  fmt.Sprintf("Remove unused imports in .%s files", ext),
			ScopeGlobs: []string{"**/*." + ext},
			OperationKinds: []domain.BatchOperationKind{
				domain.OpRemoveUnusedImports, domain.OpRemoveDeadCode,
			},
			DiffBudgetLOC: 150,
			RiskScore:     15,
			VerifierLevel: domain.VerifierFast,
			Notes:         "Safe removal of clearly unused code",
			State:         domain.StatePending,
		})
	}

	if index != nil {
		hotspots := index.Hotspots(3)
		if len(hotspots) > 5 {
			hotspots = hotspots[:5]
		}
		for _, path := range hotspots {
			batches = append(batches, &domain.Batch{
				ID:    ids.next(),
				RunID: runID,
				Goal:  fmt.Sprintf("Review and potentially refactor high-impact file: %s", path),
				ScopeGlobs: []string{path},
				OperationKinds: []domain.BatchOperationKind{
					domain.OpRename, domain.OpExtractFunction, domain.OpAddTypes,
				},
				DiffBudgetLOC: cfg.DiffBudgetLOC,
				RiskScore:     estimateRisk([]string{path}, index),
				VerifierLevel: domain.VerifierFull,
				Notes:         fmt.Sprintf("High fan-in (%d): many files depend on this", index.FanIn(path)),
				State:         domain.StatePending,
			})
		}

		leaves := index.Leaves()
		if len(leaves) > 10 {
			leaves = leaves[:10]
		}
		if len(leaves) > 0 {
			batches = append(batches, &domain.Batch{
				ID:    ids.next(),
				RunID: runID,
				Goal:  "Refactor leaf modules (no dependents)",
				ScopeGlobs: leaves,
				OperationKinds: []domain.BatchOperationKind{
					domain.OpRename, domain.OpExtractFunction, domain.OpRefactorInternal,
				},
				DiffBudgetLOC: cfg.DiffBudgetLOC,
				RiskScore:     20,
				VerifierLevel: domain.VerifierFast,
				Notes:         "Safe to modify - no other files depend on these",
				State:         domain.StatePending,
			})
		}
	}

	sort.SliceStable(batches, func(i, j int) bool { return batches[i].RiskScore < batches[j].RiskScore })

	if len(batches) > cfg.MaxBatches {
		batches = batches[:cfg.MaxBatches]
	}

	total := 0
	for _, b := range batches {
		total += b.DiffBudgetLOC
	}

	return &domain.Plan{RunID: runID, Batches: batches, TotalEstimatedLOC: total}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// batchDTO is the wire shape for one batch in the Planner prompt's
// draft JSON and the agent's refined-plan structured output.
type batchDTO struct {
	ID             string   `json:"id"`
	Goal           string   `json:"goal"`
	ScopeGlobs     []string `json:"scope_globs"`
	ExcludeGlobs   []string `json:"exclude_globs,omitempty"`
	OperationKinds []string `json:"operation_kinds"`
	DiffBudgetLOC  int      `json:"diff_budget_loc"`
	RiskScore      int      `json:"risk_score"`
	VerifierLevel  string   `json:"verifier_level"`
	Critical       bool     `json:"critical,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

func toDTO(b *domain.Batch) batchDTO {
	ops := make([]string, len(b.OperationKinds))
	for i, k := range b.OperationKinds {
		ops[i] = string(k)
	}
	return batchDTO{
		ID: b.ID, Goal: b.Goal, ScopeGlobs: b.ScopeGlobs, ExcludeGlobs: b.ExcludeGlobs,
		OperationKinds: ops, DiffBudgetLOC: b.DiffBudgetLOC, RiskScore: b.RiskScore,
		VerifierLevel: string(b.VerifierLevel), Critical: b.Critical, Notes: b.Notes,
	}
}

func fromDTO(runID string, d batchDTO) *domain.Batch {
	ops := make([]domain.BatchOperationKind, len(d.OperationKinds))
	for i, k := range d.OperationKinds {
		ops[i] = domain.BatchOperationKind(k)
	}
	return &domain.Batch{
		ID: d.ID, RunID: runID, Goal: d.Goal, ScopeGlobs: d.ScopeGlobs, ExcludeGlobs: d.ExcludeGlobs,
		OperationKinds: ops, DiffBudgetLOC: d.DiffBudgetLOC, RiskScore: d.RiskScore,
		VerifierLevel: domain.VerifierLevel(d.VerifierLevel), Critical: d.Critical, Notes: d.Notes,
		State: domain.StatePending,
	}
}

// RefineWithAgent calls the Planner role to reorder/merge/split/drop
// batches in draft, then applies the strict full-rejection policy: if
// the refined plan oversteps its configured bounds in any way, the
// entire refinement is discarded and draft is returned unchanged.
// This supersedes the Python original's refine_with_llm, which
// silently clamped out-of-bounds fields instead of rejecting the
// whole response.
func RefineWithAgent(ctx context.Context, driver *agentdriver.Driver, draft *domain.Plan, cfg *config.Config, ledgerTail string, attempt int, systemPromptFile, schemaPath string) (*domain.Plan, error) {
	dtos := make([]batchDTO, len(draft.Batches))
	for i, b := range draft.Batches {
		dtos[i] = toDTO(b)
	}
	draftJSON, err := json.MarshalIndent(map[string]any{"batches": dtos}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("planner: marshal draft: %w", err)
	}

	allowed := make([]string, len(domain.AllOperationKinds))
	for i, k := range domain.AllOperationKinds {
		allowed[i] = string(k)
	}

	data := prompts.PlannerRefineData{
		RepoPath:              draft.RunID,
		BatchCount:            len(draft.Batches),
		DraftPlanJSON:         string(draftJSON),
		MaxBatches:            cfg.MaxBatches,
		AllowedOperationKinds: strings.Join(allowed, ", "),
		LedgerTail:            ledgerTail,
	}

	output, err := driver.CallPlanner(ctx, draft.RunID, "planner-refine", attempt, data, systemPromptFile, schemaPath)
	if err != nil {
		return draft, nil
	}

	refined, ok := parseRefinedPlan(draft.RunID, output)
	if !ok {
		return draft, nil
	}

	if !validateRefinement(refined, draft, cfg) {
		return draft, nil
	}

	total := 0
	for _, b := range refined {
		total += b.DiffBudgetLOC
	}
	return &domain.Plan{RunID: draft.RunID, Batches: refined, TotalEstimatedLOC: total}, nil
}

func parseRefinedPlan(runID string, output map[string]any) ([]*domain.Batch, bool) {
	raw, ok := output["batches"]
	if !ok {
		return nil, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var dtos []batchDTO
	if err := json.Unmarshal(encoded, &dtos); err != nil {
		return nil, false
	}
	batches := make([]*domain.Batch, len(dtos))
	for i, d := range dtos {
		batches[i] = fromDTO(runID, d)
	}
	return batches, true
}

// validateRefinement is the strict full-rejection check: any
// violation rejects the entire refinement, never a partial clamp.
func validateRefinement(refined []*domain.Batch, draft *domain.Plan, cfg *config.Config) bool {
	if len(refined) > cfg.MaxBatches {
		return false
	}

	draftScopes := make(map[string][]string, len(draft.Batches))
	var unionScope []string
	for _, b := range draft.Batches {
		draftScopes[b.ID] = b.ScopeGlobs
		unionScope = append(unionScope, b.ScopeGlobs...)
	}

	for _, b := range refined {
		for _, op := range b.OperationKinds {
			if !op.Valid() {
				return false
			}
		}
		// A refined batch ID with no exact draft counterpart is the
		// normal outcome of the agent merging, splitting, or adding
		// batches (spec.md line 101; refine.md explicitly allows it) —
		// not an exemption from the scope check. Its scope must still be
		// a subset of the draft plan's scope as a whole, since that
		// union is the full authority the agent was ever granted over
		// file scope.
		allowedScope, ok := draftScopes[b.ID]
		if !ok {
			allowedScope = unionScope
		}
		if !isSubset(b.ScopeGlobs, allowedScope) {
			return false
		}
	}
	return true
}

func isSubset(sub, super []string) bool {
	allowed := make(map[string]bool, len(super))
	for _, s := range super {
		allowed[s] = true
	}
	for _, s := range sub {
		if !allowed[s] {
			return false
		}
	}
	return true
}
