// Package runbook parses runbook documents and evaluates runs against them.
//
// A runbook is a YAML mapping:
//
//	allowed_tools: [requests.get, openai.chat.completions]
//	required_steps:
//	  - name: expand_url
//	  - name: summarize
//	budgets:
//	  max_total_tokens: 500
//	  max_total_cost_usd: 0.05
//
// Unknown top-level keys are ignored.
package runbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"veriops/internal/model"
)

// Reason codes.
const (
	CodeMissing              = "runbook_missing"
	CodeParseError           = "runbook_parse_error"
	CodeInvalidAllowedTools  = "runbook_invalid_allowed_tools"
	CodeInvalidRequiredSteps = "runbook_invalid_required_steps"
	CodeInvalidBudgets       = "runbook_invalid_budgets"
	CodeInvalidBudgetTokens  = "runbook_invalid_budget_tokens"
	CodeInvalidBudgetCost    = "runbook_invalid_budget_cost"
	CodeToolNotAllowed       = "tool_not_allowed"
	CodeRequiredSteps        = "required_steps_missing_or_out_of_order"
	CodeBudgetTokens         = "budget_tokens_exceeded"
	CodeBudgetCost           = "budget_cost_exceeded"
)

// Runbook is the parsed document. Budget limits are kept as decoded so that
// a non-numeric limit is reported by the budget rule.
type Runbook struct {
	AllowedTools    []string
	HasAllowedTools bool
	RequiredSteps   []string
	MaxTotalTokens  any
	MaxTotalCostUSD any

	// Problems holds reasons for sections that were present but malformed.
	Problems []model.Reason
}

// Parse decodes text. A nil Runbook comes with the single reason that makes
// the evaluation fail before any rule runs.
func Parse(text string) (*Runbook, *model.Reason) {
	if strings.TrimSpace(text) == "" {
		return nil, &model.Reason{
			Code:    CodeMissing,
			Message: "no runbook was provided and the run has none stored",
			Details: map[string]any{},
		}
	}
	var doc any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, parseError(err.Error())
	}
	m, ok := asMap(doc)
	if !ok {
		return nil, parseError(fmt.Sprintf("top-level document must be a mapping, got %s", kindOf(doc)))
	}

	rb := &Runbook{}
	if raw, ok := m["allowed_tools"]; ok && raw != nil {
		rb.HasAllowedTools = true
		tools, err := stringList(raw)
		if err != nil {
			rb.HasAllowedTools = false
			rb.Problems = append(rb.Problems, invalid(CodeInvalidAllowedTools, "allowed_tools", err))
		}
		rb.AllowedTools = tools
	}
	if raw, ok := m["required_steps"]; ok && raw != nil {
		names, err := stepNames(raw)
		if err != nil {
			rb.Problems = append(rb.Problems, invalid(CodeInvalidRequiredSteps, "required_steps", err))
		} else {
			rb.RequiredSteps = names
		}
	}
	if raw, ok := m["budgets"]; ok && raw != nil {
		budgets, ok := asMap(raw)
		if !ok {
			rb.Problems = append(rb.Problems, invalid(CodeInvalidBudgets, "budgets",
				fmt.Errorf("must be a mapping, got %s", kindOf(raw))))
		} else {
			rb.MaxTotalTokens = firstPresent(budgets, "max_total_tokens", "max_tokens")
			rb.MaxTotalCostUSD = firstPresent(budgets, "max_total_cost_usd", "max_cost_usd")
		}
	}
	return rb, nil
}

func parseError(msg string) *model.Reason {
	return &model.Reason{
		Code:    CodeParseError,
		Message: "runbook could not be parsed: " + msg,
		Details: map[string]any{"error": msg},
	}
}

func invalid(code, section string, err error) model.Reason {
	return model.Reason{
		Code:    code,
		Message: fmt.Sprintf("runbook section %s is invalid: %v", section, err),
		Details: map[string]any{"section": section, "error": err.Error()},
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func stringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a list, got %s", kindOf(v))
	}
	out := make([]string, 0, len(items))
	for i, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("item %d must be a string, got %s", i, kindOf(it))
		}
		out = append(out, s)
	}
	return out, nil
}

// stepNames accepts both "- name: x" items and bare "- x" strings.
func stepNames(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be a list, got %s", kindOf(v))
	}
	out := make([]string, 0, len(items))
	for i, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
			continue
		}
		m, ok := asMap(it)
		if !ok {
			return nil, fmt.Errorf("item %d must be a mapping with a name, got %s", i, kindOf(it))
		}
		name, ok := m["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("item %d has no name", i)
		}
		out = append(out, name)
	}
	return out, nil
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, uint64, float64:
		return "number"
	case []any:
		return "list"
	case map[string]any, map[any]any:
		return "mapping"
	}
	return fmt.Sprintf("%T", v)
}
