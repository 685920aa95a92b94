// Package model holds the run, step and validation entities shared by the
// reconciler, the runbook evaluator and the stores.
package model

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
)

// UnknownProject is the project id given to runs first seen through run.end.
const UnknownProject = "unknown"

type Run struct {
	ID           uuid.UUID
	ProjectID    string
	Runbook      *string
	Status       RunStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	TotalTokens  int64
	TotalCostUSD USD
}

// RunbookText returns the stored runbook reference, or "" when none is set.
func (r *Run) RunbookText() string {
	if r == nil || r.Runbook == nil {
		return ""
	}
	return *r.Runbook
}

// Clone returns a deep copy so merges never alias the caller's pointers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Runbook = cloneString(r.Runbook)
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
