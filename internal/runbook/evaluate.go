package runbook

import (
	"fmt"
	"math"
	"slices"

	"veriops/internal/model"
)

// Evaluate checks run and its steps against the runbook text. It is pure:
// the same inputs always produce the same verdict, reasons in the same order.
func Evaluate(run *model.Run, steps []model.Step, text string) model.Verdict {
	ordered := slices.Clone(steps)
	model.SortSteps(ordered)
	tokens, cost := model.EffectiveTotals(run, ordered)

	v := model.Verdict{
		Reasons: []model.Reason{},
		Summary: map[string]any{
			"run_id":         run.ID.String(),
			"project_id":     run.ProjectID,
			"step_count":     len(ordered),
			"total_tokens":   tokens,
			"total_cost_usd": cost.Float64(),
		},
	}

	rb, fatal := Parse(text)
	if fatal != nil {
		v.Reasons = append(v.Reasons, *fatal)
		v.Status = model.ValidationFailed
		return v
	}

	v.Reasons = append(v.Reasons, rb.Problems...)
	v.Reasons = append(v.Reasons, checkAllowedTools(rb, ordered)...)
	v.Reasons = append(v.Reasons, checkRequiredSteps(rb, ordered)...)
	v.Reasons = append(v.Reasons, checkBudgets(rb, tokens, cost)...)

	v.Status = model.ValidationPassed
	if len(v.Reasons) > 0 {
		v.Status = model.ValidationFailed
	}
	return v
}

func checkAllowedTools(rb *Runbook, steps []model.Step) []model.Reason {
	if !rb.HasAllowedTools {
		return nil
	}
	var out []model.Reason
	for i := range steps {
		s := &steps[i]
		if s.Tool == "" || s.Tool == model.Unknown || slices.Contains(rb.AllowedTools, s.Tool) {
			continue
		}
		out = append(out, model.Reason{
			Code:    CodeToolNotAllowed,
			Message: fmt.Sprintf("step %q used tool %q which is not in allowed_tools", s.Name, s.Tool),
			Details: map[string]any{
				"step_id":       s.ID.String(),
				"step_index":    s.StoredIndex(),
				"step_name":     s.Name,
				"tool":          s.Tool,
				"allowed_tools": rb.AllowedTools,
			},
		})
	}
	return out
}

// checkRequiredSteps matches a cursor over the required names in one forward
// pass. The run passes when the cursor reaches the end. On failure the
// reported suffix starts at the earliest required name that was either never
// matched or overtaken by a later required name.
func checkRequiredSteps(rb *Runbook, steps []model.Step) []model.Reason {
	required := rb.RequiredSteps
	if len(required) == 0 {
		return nil
	}
	observed := make([]string, len(steps))
	cursor, overtaken := 0, -1
	for i := range steps {
		name := steps[i].Name
		observed[i] = name
		if cursor == len(required) {
			continue
		}
		if name == required[cursor] {
			cursor++
			continue
		}
		if overtaken < 0 && slices.Contains(required[cursor+1:], name) {
			overtaken = cursor
		}
	}
	if cursor == len(required) {
		return nil
	}
	from := cursor
	if overtaken >= 0 && overtaken < from {
		from = overtaken
	}
	missing := slices.Clone(required[from:])
	return []model.Reason{{
		Code: CodeRequiredSteps,
		Message: fmt.Sprintf("required steps %v not observed in order; unmatched from %q",
			required, missing[0]),
		Details: map[string]any{
			"required": slices.Clone(required),
			"missing":  missing,
			"observed": observed,
		},
	}}
}

func checkBudgets(rb *Runbook, tokens int64, cost model.USD) []model.Reason {
	var out []model.Reason
	if rb.MaxTotalTokens != nil {
		limit, ok := number(rb.MaxTotalTokens)
		switch {
		case !ok:
			out = append(out, invalidBudget(CodeInvalidBudgetTokens, "max_total_tokens", rb.MaxTotalTokens))
		case float64(tokens) > limit:
			out = append(out, model.Reason{
				Code:    CodeBudgetTokens,
				Message: fmt.Sprintf("total tokens %d exceed budget %v", tokens, limit),
				Details: map[string]any{"observed": tokens, "limit": limit},
			})
		}
	}
	if rb.MaxTotalCostUSD != nil {
		limit, ok := number(rb.MaxTotalCostUSD)
		switch {
		case !ok:
			out = append(out, invalidBudget(CodeInvalidBudgetCost, "max_total_cost_usd", rb.MaxTotalCostUSD))
		case cost > model.USDFromFloat(limit):
			out = append(out, model.Reason{
				Code:    CodeBudgetCost,
				Message: fmt.Sprintf("total cost $%s exceeds budget $%v", cost, limit),
				Details: map[string]any{"observed": cost.Float64(), "limit": limit},
			})
		}
	}
	return out
}

func invalidBudget(code, key string, v any) model.Reason {
	return model.Reason{
		Code:    code,
		Message: fmt.Sprintf("budget %s must be a number, got %s", key, kindOf(v)),
		Details: map[string]any{"key": key, "value": fmt.Sprint(v)},
	}
}

func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
