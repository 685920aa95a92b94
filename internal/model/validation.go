package model

import (
	"time"

	"github.com/google/uuid"
)

type ValidationStatus string

const (
	ValidationPassed ValidationStatus = "passed"
	ValidationFailed ValidationStatus = "failed"
)

// Reason is one structured finding. Its JSON shape is read by dashboards.
type Reason struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type Verdict struct {
	Status  ValidationStatus
	Reasons []Reason
	Summary map[string]any
}

// RunValidation is an immutable evaluation record keyed by (RunID, InputHash).
type RunValidation struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	CreatedAt   time.Time
	Status      ValidationStatus
	Reasons     []Reason
	Summary     map[string]any
	RunbookText string
	InputHash   string
}

// RunStatus is the run status a verdict reflects onto.
func (s ValidationStatus) RunStatus() RunStatus {
	if s == ValidationPassed {
		return RunPassed
	}
	return RunFailed
}
