// Package schemas holds the JSON shapes of the HTTP API.
package schemas

import (
	"time"

	"github.com/google/uuid"

	"veriops/internal/model"
	"veriops/internal/reconcile"
	"veriops/internal/store"
	"veriops/internal/validation"
)

type IngestResponse struct {
	reconcile.BatchResult
	ArchiveRef string `json:"archive_ref,omitempty"`
}

type ValidateRequest struct {
	RunbookYAML *string `json:"runbook_yaml"`
}

type ReplayRequest struct {
	Ref string `json:"ref" validate:"required,startswith=s3://"`
}

type EnqueuedResponse struct {
	TaskID string `json:"task_id"`
	Ref    string `json:"ref"`
}

type RunOut struct {
	RunID        uuid.UUID       `json:"run_id"`
	ProjectID    string          `json:"project_id"`
	Runbook      *string         `json:"runbook"`
	Status       model.RunStatus `json:"status"`
	StartedAt    *time.Time      `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at"`
	TotalTokens  int64           `json:"total_tokens"`
	TotalCostUSD model.USD       `json:"total_cost_usd"`
}

type StepOut struct {
	StepID    uuid.UUID        `json:"step_id"`
	Index     *int             `json:"index"`
	Name      string           `json:"name"`
	Tool      string           `json:"tool"`
	Status    model.StepStatus `json:"status"`
	Input     map[string]any   `json:"input"`
	Output    map[string]any   `json:"output"`
	LatencyMS int64            `json:"latency_ms"`
	Tokens    int64            `json:"tokens"`
	CostUSD   model.USD        `json:"cost_usd"`
	StartedAt *time.Time       `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at"`
	// Placeholder is set for steps created by step.end before step.start.
	Placeholder bool `json:"placeholder"`
}

type RunDetailOut struct {
	RunOut
	Steps []StepOut `json:"steps"`
}

type RunListOut struct {
	Runs   []RunOut `json:"runs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

type ValidationListOut struct {
	RunID       uuid.UUID            `json:"run_id"`
	Validations []*validation.Result `json:"validations"`
}

type ProjectListOut struct {
	Projects []string `json:"projects"`
}

type ProjectSummaryOut struct {
	ProjectID        string             `json:"project_id"`
	TotalRuns        int                `json:"total_runs"`
	LastRunAt        *time.Time         `json:"last_run_at"`
	StatusCounts     map[string]int     `json:"status_counts"`
	LatestValidation *validation.Result `json:"latest_validation"`
	WindowLimit      int                `json:"window_limit"`
}

func RunFromModel(r *model.Run) RunOut {
	return RunOut{
		RunID:        r.ID,
		ProjectID:    r.ProjectID,
		Runbook:      r.Runbook,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		TotalTokens:  r.TotalTokens,
		TotalCostUSD: r.TotalCostUSD,
	}
}

func StepFromModel(s *model.Step) StepOut {
	out := StepOut{
		StepID:      s.ID,
		Name:        s.Name,
		Tool:        s.Tool,
		Status:      s.Status,
		Input:       s.Input,
		Output:      s.Output,
		LatencyMS:   s.LatencyMS,
		Tokens:      s.Tokens,
		CostUSD:     s.CostUSD,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		Placeholder: s.IsPlaceholder(),
	}
	if !s.IsPlaceholder() {
		idx := s.Index
		out.Index = &idx
	}
	return out
}

func RunDetailFromModel(r *model.Run, steps []model.Step) RunDetailOut {
	out := RunDetailOut{RunOut: RunFromModel(r), Steps: make([]StepOut, 0, len(steps))}
	for i := range steps {
		out.Steps = append(out.Steps, StepFromModel(&steps[i]))
	}
	return out
}

func ProjectSummaryFromStore(s *store.ProjectSummary) ProjectSummaryOut {
	out := ProjectSummaryOut{
		ProjectID:    s.ProjectID,
		TotalRuns:    s.TotalRuns,
		LastRunAt:    s.LastRunAt,
		StatusCounts: s.StatusCounts,
		WindowLimit:  s.WindowLimit,
	}
	if out.StatusCounts == nil {
		out.StatusCounts = map[string]int{}
	}
	if s.LatestValidation != nil {
		out.LatestValidation = validation.FromModel(s.LatestValidation)
	}
	return out
}
