package reconcile

import (
	"github.com/google/uuid"

	"veriops/internal/events"
	"veriops/internal/model"
)

// The merge functions compute the new state of an entity from its stored
// state (nil when absent) and one incoming event. Timestamps follow "set
// only if unset" so that re-delivery and reordering commute.

func MergeRunStart(existing *model.Run, ev events.RunStart) *model.Run {
	ts := ev.TS.UTC()
	if existing == nil {
		return &model.Run{
			ID:        ev.RunID,
			ProjectID: ev.ProjectID,
			Runbook:   ev.Runbook,
			Status:    model.RunRunning,
			StartedAt: &ts,
		}
	}
	run := existing.Clone()
	run.ProjectID = ev.ProjectID
	run.Runbook = ev.Runbook
	if run.StartedAt == nil {
		run.StartedAt = &ts
	}
	if run.Status == model.RunError {
		run.Status = model.RunRunning
	}
	return run
}

// MergeRunEnd creates a stub run when run.end is the first event seen for it.
// The stub has no start time so a late run.start can still backfill it.
func MergeRunEnd(existing *model.Run, ev events.RunEnd) *model.Run {
	ts := ev.TS.UTC()
	run := existing.Clone()
	if run == nil {
		run = &model.Run{
			ID:        ev.RunID,
			ProjectID: model.UnknownProject,
			Status:    model.RunRunning,
		}
	}
	if run.EndedAt == nil || ts.After(*run.EndedAt) {
		run.EndedAt = &ts
	}
	if ev.Totals.Tokens != nil {
		run.TotalTokens = *ev.Totals.Tokens
	}
	if ev.Totals.CostUSD != nil {
		run.TotalCostUSD = model.USDFromFloat(*ev.Totals.CostUSD)
	}
	if run.Status == model.RunRunning {
		run.Status = model.RunPassed
	}
	return run
}

func MergeStepStart(existing *model.Step, ev events.StepStart) (*model.Step, error) {
	ts := ev.TS.UTC()
	if existing == nil {
		return &model.Step{
			ID:        ev.StepID,
			RunID:     validRun(ev.RunID),
			State:     model.StepResolved,
			Index:     ev.Index,
			Name:      ev.Name,
			Tool:      ev.Tool,
			Status:    model.StepOK,
			Input:     orEmpty(ev.Input),
			Output:    model.JSONObject{},
			StartedAt: &ts,
		}, nil
	}
	step := existing.Clone()
	if err := attachRun(step, ev.RunID, events.TypeStepStart); err != nil {
		return nil, err
	}
	wasPlaceholder := step.IsPlaceholder()
	if wasPlaceholder {
		step.State = model.StepResolved
		step.Index = ev.Index
	}
	if wasPlaceholder || step.Name == "" {
		step.Name = ev.Name
	}
	if wasPlaceholder || step.Tool == "" {
		step.Tool = ev.Tool
	}
	if len(step.Input) == 0 {
		step.Input = orEmpty(ev.Input)
	}
	if step.StartedAt == nil {
		step.StartedAt = &ts
	}
	return step, nil
}

// MergeStepEnd reports placeholderCreated when the step did not exist yet.
func MergeStepEnd(existing *model.Step, ev events.StepEnd) (step *model.Step, placeholderCreated bool, err error) {
	ts := ev.TS.UTC()
	if existing == nil {
		step = &model.Step{
			ID:        ev.StepID,
			RunID:     validRun(ev.RunID),
			State:     model.StepPlaceholder,
			Index:     model.PlaceholderIndex,
			Name:      model.Unknown,
			Tool:      model.Unknown,
			Input:     model.JSONObject{},
			Output:    model.JSONObject{},
			StartedAt: &ts,
		}
		placeholderCreated = true
	} else {
		step = existing.Clone()
		if err := attachRun(step, ev.RunID, events.TypeStepEnd); err != nil {
			return nil, false, err
		}
	}
	if len(ev.Output) > 0 {
		step.Output = ev.Output
	}
	if step.EndedAt == nil {
		step.EndedAt = &ts
	}
	step.LatencyMS = ev.LatencyMS
	step.Tokens = ev.Tokens
	step.CostUSD = model.USDFromFloat(ev.CostUSD)
	step.Status = ev.StepStatus()
	return step, placeholderCreated, nil
}

// attachRun sets the step's run when unset and refuses to move a step to a
// different run.
func attachRun(step *model.Step, runID uuid.UUID, t events.Type) error {
	if !step.RunID.Valid {
		step.RunID = validRun(runID)
		return nil
	}
	if step.RunID.UUID != runID {
		return &StepRunMismatchError{
			EventType:   t,
			StepID:      step.ID,
			StoredRunID: step.RunID.UUID,
			EventRunID:  runID,
		}
	}
	return nil
}

func orEmpty(o model.JSONObject) model.JSONObject {
	if o == nil {
		return model.JSONObject{}
	}
	return o
}

func validRun(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: true}
}
