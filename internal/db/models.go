package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veriops/internal/model"
)

type Run struct {
	ID           uuid.UUID  `db:"id"`
	ProjectID    string     `db:"project_id"`
	Runbook      *string    `db:"runbook"`
	Status       string     `db:"status"`
	StartedAt    *time.Time `db:"started_at"`
	EndedAt      *time.Time `db:"ended_at"`
	TotalTokens  int64      `db:"total_tokens"`
	TotalCostUSD model.USD  `db:"total_cost_usd"`
}

type Step struct {
	ID        uuid.UUID        `db:"id"`
	RunID     uuid.NullUUID    `db:"run_id"`
	Index     int              `db:"index"`
	Name      string           `db:"name"`
	Tool      string           `db:"tool"`
	Status    string           `db:"status"`
	Input     model.JSONObject `db:"input_json"`
	Output    model.JSONObject `db:"output_json"`
	LatencyMS int64            `db:"latency_ms"`
	Tokens    int64            `db:"tokens"`
	CostUSD   model.USD        `db:"cost_usd"`
	StartedAt *time.Time       `db:"started_at"`
	EndedAt   *time.Time       `db:"ended_at"`
}

type RunValidation struct {
	ID          uuid.UUID `db:"id"`
	RunID       uuid.UUID `db:"run_id"`
	CreatedAt   time.Time `db:"created_at"`
	Status      string    `db:"status"`
	Reasons     []byte    `db:"reasons_json"`
	Summary     []byte    `db:"summary_json"`
	RunbookYAML string    `db:"runbook_yaml"`
	InputHash   string    `db:"input_hash"`
}

const (
	runCols        = `id, project_id, runbook, status, started_at, ended_at, total_tokens, total_cost_usd`
	stepCols       = `id, run_id, "index", name, tool, status, input_json, output_json, latency_ms, tokens, cost_usd, started_at, ended_at`
	validationCols = `id, run_id, created_at, status, reasons_json, summary_json, runbook_yaml, input_hash`
)

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (r *Run) toModel() *model.Run {
	return &model.Run{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Runbook:      r.Runbook,
		Status:       model.RunStatus(r.Status),
		StartedAt:    utc(r.StartedAt),
		EndedAt:      utc(r.EndedAt),
		TotalTokens:  r.TotalTokens,
		TotalCostUSD: r.TotalCostUSD,
	}
}

func runRow(m *model.Run) Run {
	return Run{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		Runbook:      m.Runbook,
		Status:       string(m.Status),
		StartedAt:    m.StartedAt,
		EndedAt:      m.EndedAt,
		TotalTokens:  m.TotalTokens,
		TotalCostUSD: m.TotalCostUSD,
	}
}

func (s *Step) toModel() *model.Step {
	return &model.Step{
		ID:        s.ID,
		RunID:     s.RunID,
		State:     model.StateForIndex(s.Index),
		Index:     s.Index,
		Name:      s.Name,
		Tool:      s.Tool,
		Status:    model.StepStatus(s.Status),
		Input:     s.Input,
		Output:    s.Output,
		LatencyMS: s.LatencyMS,
		Tokens:    s.Tokens,
		CostUSD:   s.CostUSD,
		StartedAt: utc(s.StartedAt),
		EndedAt:   utc(s.EndedAt),
	}
}

func stepRow(m *model.Step) Step {
	status := m.Status
	if status == "" {
		status = model.StepOK
	}
	return Step{
		ID:        m.ID,
		RunID:     m.RunID,
		Index:     m.StoredIndex(),
		Name:      m.Name,
		Tool:      m.Tool,
		Status:    string(status),
		Input:     m.Input,
		Output:    m.Output,
		LatencyMS: m.LatencyMS,
		Tokens:    m.Tokens,
		CostUSD:   m.CostUSD,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
	}
}

func (v *RunValidation) toModel() (*model.RunValidation, error) {
	out := &model.RunValidation{
		ID:          v.ID,
		RunID:       v.RunID,
		CreatedAt:   v.CreatedAt.UTC(),
		Status:      model.ValidationStatus(v.Status),
		Reasons:     []model.Reason{},
		Summary:     map[string]any{},
		RunbookText: v.RunbookYAML,
		InputHash:   v.InputHash,
	}
	if len(v.Reasons) > 0 {
		if err := json.Unmarshal(v.Reasons, &out.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons_json: %w", err)
		}
	}
	if len(v.Summary) > 0 {
		if err := json.Unmarshal(v.Summary, &out.Summary); err != nil {
			return nil, fmt.Errorf("decode summary_json: %w", err)
		}
	}
	return out, nil
}

func validationRow(m *model.RunValidation) (RunValidation, error) {
	reasons := m.Reasons
	if reasons == nil {
		reasons = []model.Reason{}
	}
	rb, err := json.Marshal(reasons)
	if err != nil {
		return RunValidation{}, fmt.Errorf("encode reasons_json: %w", err)
	}
	summary := m.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	sb, err := json.Marshal(summary)
	if err != nil {
		return RunValidation{}, fmt.Errorf("encode summary_json: %w", err)
	}
	return RunValidation{
		ID:          m.ID,
		RunID:       m.RunID,
		CreatedAt:   m.CreatedAt,
		Status:      string(m.Status),
		Reasons:     rb,
		Summary:     sb,
		RunbookYAML: m.RunbookText,
		InputHash:   m.InputHash,
	}, nil
}
