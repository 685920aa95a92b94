// Package events defines the four run/step lifecycle events producers send
// and decodes batches of them.
package events

import (
	"time"

	"github.com/google/uuid"

	"veriops/internal/model"
)

type Type string

const (
	TypeRunStart  Type = "run.start"
	TypeRunEnd    Type = "run.end"
	TypeStepStart Type = "step.start"
	TypeStepEnd   Type = "step.end"
)

// Event is one of RunStart, RunEnd, StepStart or StepEnd.
type Event interface {
	Type() Type
	Run() uuid.UUID
	Timestamp() time.Time
}

// StepEvent is implemented by events that carry a step id.
type StepEvent interface {
	Event
	Step() uuid.UUID
}

type RunStart struct {
	RunID     uuid.UUID `json:"run_id" validate:"required"`
	TS        time.Time `json:"ts" validate:"required"`
	ProjectID string    `json:"project_id" validate:"required"`
	Runbook   *string   `json:"runbook,omitempty"`
}

// Totals carries the run-level counters reported by run.end. Nil fields were
// not reported and leave the stored value untouched.
type Totals struct {
	Tokens  *int64   `json:"tokens,omitempty" validate:"omitempty,gte=0"`
	CostUSD *float64 `json:"cost_usd,omitempty" validate:"omitempty,gte=0"`
}

type RunEnd struct {
	RunID  uuid.UUID `json:"run_id" validate:"required"`
	TS     time.Time `json:"ts" validate:"required"`
	Totals Totals    `json:"totals"`
}

type StepStart struct {
	RunID  uuid.UUID        `json:"run_id" validate:"required"`
	StepID uuid.UUID        `json:"step_id" validate:"required"`
	TS     time.Time        `json:"ts" validate:"required"`
	Index  int              `json:"index" validate:"gte=0"`
	Name   string           `json:"name" validate:"required"`
	Tool   string           `json:"tool" validate:"required"`
	Input  model.JSONObject `json:"input,omitempty"`
}

type StepEnd struct {
	RunID     uuid.UUID        `json:"run_id" validate:"required"`
	StepID    uuid.UUID        `json:"step_id" validate:"required"`
	TS        time.Time        `json:"ts" validate:"required"`
	Output    model.JSONObject `json:"output,omitempty"`
	LatencyMS int64            `json:"latency_ms" validate:"gte=0"`
	Tokens    int64            `json:"tokens" validate:"gte=0"`
	CostUSD   float64          `json:"cost_usd" validate:"gte=0"`
	Status    model.StepStatus `json:"status" validate:"omitempty,oneof=ok error"`
}

func (e RunStart) Type() Type           { return TypeRunStart }
func (e RunStart) Run() uuid.UUID       { return e.RunID }
func (e RunStart) Timestamp() time.Time { return e.TS }

func (e RunEnd) Type() Type           { return TypeRunEnd }
func (e RunEnd) Run() uuid.UUID       { return e.RunID }
func (e RunEnd) Timestamp() time.Time { return e.TS }

func (e StepStart) Type() Type           { return TypeStepStart }
func (e StepStart) Run() uuid.UUID       { return e.RunID }
func (e StepStart) Timestamp() time.Time { return e.TS }
func (e StepStart) Step() uuid.UUID      { return e.StepID }

func (e StepEnd) Type() Type           { return TypeStepEnd }
func (e StepEnd) Run() uuid.UUID       { return e.RunID }
func (e StepEnd) Timestamp() time.Time { return e.TS }
func (e StepEnd) Step() uuid.UUID      { return e.StepID }

// StepStatus returns the reported status, defaulting to ok.
func (e StepEnd) StepStatus() model.StepStatus {
	if e.Status == "" {
		return model.StepOK
	}
	return e.Status
}
