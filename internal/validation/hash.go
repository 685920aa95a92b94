package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"veriops/internal/model"
)

// InputHash digests everything a verdict depends on: the run id, the exact
// runbook text, the effective totals and, per step in canonical order, the
// fields the rules read. encoding/json writes map keys sorted, which makes
// the serialization stable.
func InputHash(run *model.Run, steps []model.Step, runbookText string) (string, error) {
	ordered := slices.Clone(steps)
	model.SortSteps(ordered)
	tokens, cost := model.EffectiveTotals(run, ordered)

	sigSteps := make([]map[string]any, len(ordered))
	for i := range ordered {
		s := &ordered[i]
		var endedAt any
		if s.EndedAt != nil {
			endedAt = s.EndedAt.UTC().Format(time.RFC3339Nano)
		}
		sigSteps[i] = map[string]any{
			"id":       s.ID.String(),
			"index":    s.StoredIndex(),
			"name":     s.Name,
			"tool":     s.Tool,
			"status":   string(s.Status),
			"tokens":   s.Tokens,
			"cost_usd": s.CostUSD.String(),
			"ended_at": endedAt,
		}
	}
	sig := map[string]any{
		"run_id":  run.ID.String(),
		"runbook": runbookText,
		"totals": map[string]any{
			"tokens":   tokens,
			"cost_usd": cost.String(),
		},
		"steps": sigSteps,
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("encode validation signature: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
