package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
)

type StepStatus string

const (
	StepOK    StepStatus = "ok"
	StepError StepStatus = "error"
)

// StepState tags whether a step's identity is fully known. A placeholder is
// created by a step.end that arrived before its step.start.
type StepState int

const (
	StepResolved StepState = iota
	StepPlaceholder
)

const (
	// PlaceholderIndex is how placeholders are stored; any negative index
	// read back from storage is treated as a placeholder.
	PlaceholderIndex = -1
	// Unknown fills name and tool of placeholders and is exempt from tool checks.
	Unknown = "unknown"
)

// StateForIndex maps a stored index to its step state.
func StateForIndex(index int) StepState {
	if index < 0 {
		return StepPlaceholder
	}
	return StepResolved
}

// JSONObject is an arbitrary structured payload stored as a JSON object.
type JSONObject map[string]any

func (o JSONObject) Value() (driver.Value, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o)
}

func (o *JSONObject) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*o = JSONObject{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("json object: unsupported type %T", src)
	}
	out := JSONObject{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("json object: %w", err)
		}
	}
	*o = out
	return nil
}

type Step struct {
	ID        uuid.UUID
	RunID     uuid.NullUUID
	State     StepState
	Index     int
	Name      string
	Tool      string
	Status    StepStatus
	Input     JSONObject
	Output    JSONObject
	LatencyMS int64
	Tokens    int64
	CostUSD   USD
	StartedAt *time.Time
	EndedAt   *time.Time
}

func (s *Step) IsPlaceholder() bool {
	return s.State == StepPlaceholder
}

// StoredIndex is the index as persisted: PlaceholderIndex for placeholders.
func (s *Step) StoredIndex() int {
	if s.IsPlaceholder() {
		return PlaceholderIndex
	}
	return s.Index
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = maps.Clone(s.Input)
	c.Output = maps.Clone(s.Output)
	c.StartedAt = cloneTime(s.StartedAt)
	c.EndedAt = cloneTime(s.EndedAt)
	return &c
}

// SortSteps puts steps in canonical order: resolved steps by index, then
// start time, then id; placeholders after all resolved steps.
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return stepLess(&steps[i], &steps[j])
	})
}

func stepLess(a, b *Step) bool {
	if a.IsPlaceholder() != b.IsPlaceholder() {
		return !a.IsPlaceholder()
	}
	if a.StoredIndex() != b.StoredIndex() {
		return a.StoredIndex() < b.StoredIndex()
	}
	switch {
	case a.StartedAt == nil && b.StartedAt != nil:
		return false
	case a.StartedAt != nil && b.StartedAt == nil:
		return true
	case a.StartedAt != nil && b.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt):
		return a.StartedAt.Before(*b.StartedAt)
	}
	return a.ID.String() < b.ID.String()
}

// EffectiveTotals prefers the run's reported totals and falls back to the sum
// of its steps when the run reports exactly zero for both.
func EffectiveTotals(run *Run, steps []Step) (int64, USD) {
	if run != nil && (run.TotalTokens != 0 || run.TotalCostUSD != 0) {
		return run.TotalTokens, run.TotalCostUSD
	}
	var tokens int64
	var cost USD
	for i := range steps {
		tokens += steps[i].Tokens
		cost += steps[i].CostUSD
	}
	return tokens, cost
}
