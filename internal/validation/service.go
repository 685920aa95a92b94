// Package validation evaluates runs against runbooks and memoizes each
// verdict per (run, input hash) so that repeated requests never write twice.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	"veriops/internal/metrics"
	"veriops/internal/model"
	"veriops/internal/runbook"
	"veriops/internal/store"
)

var ErrRunNotFound = fmt.Errorf("run %w", store.ErrNotFound)

type Service struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(s store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, log: log, now: time.Now}
}

// Result is the verdict returned to callers. Repeating a request over
// unchanged inputs yields an identical Result.
type Result struct {
	ValidationID uuid.UUID              `json:"validation_id"`
	RunID        uuid.UUID              `json:"run_id"`
	Status       model.ValidationStatus `json:"status"`
	Reasons      []model.Reason         `json:"reasons"`
	Summary      map[string]any         `json:"summary"`
	InputHash    string                 `json:"input_hash"`
	CreatedAt    time.Time              `json:"created_at"`

	// Cached is set when an existing validation was returned.
	Cached bool `json:"-"`
}

// FromModel converts a stored validation into the response shape.
func FromModel(v *model.RunValidation) *Result {
	return resultFrom(v, true)
}

func resultFrom(v *model.RunValidation, cached bool) *Result {
	summary := maps.Clone(v.Summary)
	if summary == nil {
		summary = map[string]any{}
	}
	summary["validation_id"] = v.ID.String()
	reasons := v.Reasons
	if reasons == nil {
		reasons = []model.Reason{}
	}
	return &Result{
		ValidationID: v.ID,
		RunID:        v.RunID,
		Status:       v.Status,
		Reasons:      reasons,
		Summary:      summary,
		InputHash:    v.InputHash,
		CreatedAt:    v.CreatedAt,
		Cached:       cached,
	}
}

// Validate evaluates the run against override, or against the run's stored
// runbook when override is nil or empty. Domain failures such as an
// unparseable runbook come back as a failed verdict, never as an error.
func (s *Service) Validate(ctx context.Context, runID uuid.UUID, override *string) (*Result, error) {
	var res *Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		steps, err := tx.ListSteps(ctx, runID)
		if err != nil {
			return fmt.Errorf("load steps: %w", err)
		}
		text := run.RunbookText()
		if override != nil && *override != "" {
			text = *override
		}
		hash, err := InputHash(run, steps, text)
		if err != nil {
			return err
		}

		existing, err := tx.GetValidationByHash(ctx, runID, hash)
		if err == nil {
			res = resultFrom(existing, true)
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load validation: %w", err)
		}

		verdict := runbook.Evaluate(run, steps, text)
		stored, created, err := tx.InsertValidation(ctx, &model.RunValidation{
			ID:          uuid.New(),
			RunID:       runID,
			CreatedAt:   s.now().UTC(),
			Status:      verdict.Status,
			Reasons:     verdict.Reasons,
			Summary:     verdict.Summary,
			RunbookText: text,
			InputHash:   hash,
		})
		if err != nil {
			return fmt.Errorf("store validation: %w", err)
		}
		res = resultFrom(stored, !created)
		if created && run.Status != model.RunError {
			if err := tx.SetRunStatus(ctx, runID, stored.Status.RunStatus()); err != nil {
				return fmt.Errorf("reflect verdict: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Validations.WithLabelValues(string(res.Status), strconv.FormatBool(res.Cached)).Inc()
	s.log.Info("run validated", "run_id", runID, "status", res.Status, "input_hash", res.InputHash,
		"cached", res.Cached, "reasons", len(res.Reasons))
	return res, nil
}

// History returns the run's validations, newest first.
func (s *Service) History(ctx context.Context, runID uuid.UUID) ([]*Result, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	rows, err := s.store.ListValidations(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*Result, len(rows))
	for i := range rows {
		out[i] = resultFrom(&rows[i], true)
	}
	return out, nil
}
