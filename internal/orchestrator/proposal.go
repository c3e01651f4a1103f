package orchestrator

import (
	"fmt"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// parsePatchProposal decodes the Patcher agent's structured output
// (validated against agentdriver's patcherSchema) into a
// domain.PatchProposal. Tolerant of risk_notes being either a single
// string or an array, since the schema documents it as a string but
// domain.PatchProposal models RiskNotes as a slice for uniformity with
// FollowUps/TouchedFiles.
func parsePatchProposal(data map[string]any) (*domain.PatchProposal, error) {
	status, ok := data["status"].(string)
	if !ok {
		return nil, fmt.Errorf("orchestrator: patcher output missing status")
	}

	p := &domain.PatchProposal{
		Status:            domain.ProposalStatus(status),
		Rationale:         stringField(data, "rationale"),
		PatchUnifiedDiff:  stringField(data, "patch_unified_diff"),
		TouchedFiles:      toStringSlice(data["touched_files"]),
		ExpectedVerifiers: toStringSlice(data["expected_verifier_commands"]),
		RiskNotes:         riskNotes(data["risk_notes"]),
		FollowUps:         toStringSlice(data["follow_up_suggestions"]),
	}
	return p, nil
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func riskNotes(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		return toStringSlice(val)
	default:
		return nil
	}
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
