// Package reconcile turns an unordered, at-least-once stream of run and step
// lifecycle events into consistent Run and Step records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"veriops/internal/events"
	"veriops/internal/metrics"
	"veriops/internal/model"
	"veriops/internal/store"
)

// WarningPlaceholderCreated is reported when step.end arrives before step.start.
const WarningPlaceholderCreated = "placeholder_created"

type Reconciler struct {
	store store.Store
	log   *slog.Logger
}

func New(s store.Store, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: s, log: log}
}

// Outcome describes the non-fatal effects of applying one event.
type Outcome struct {
	PlaceholderCreated bool
}

// Apply applies one event in its own transaction. It performs no retries.
func (r *Reconciler) Apply(ctx context.Context, ev events.Event) (Outcome, error) {
	var out Outcome
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		switch e := ev.(type) {
		case events.RunStart:
			return applyRun(ctx, tx, e.RunID, func(existing *model.Run) *model.Run {
				return MergeRunStart(existing, e)
			})
		case events.RunEnd:
			return applyRun(ctx, tx, e.RunID, func(existing *model.Run) *model.Run {
				return MergeRunEnd(existing, e)
			})
		case events.StepStart:
			return applyStep(ctx, tx, e.StepID, func(existing *model.Step) (*model.Step, error) {
				return MergeStepStart(existing, e)
			})
		case events.StepEnd:
			return applyStep(ctx, tx, e.StepID, func(existing *model.Step) (*model.Step, error) {
				step, created, err := MergeStepEnd(existing, e)
				out.PlaceholderCreated = created
				return step, err
			})
		default:
			return fmt.Errorf("unsupported event %T", ev)
		}
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// applyRun and applyStep merge onto the stored row. When the row is absent
// but another writer inserts it first, the merge is redone on that row.
func applyRun(ctx context.Context, tx store.Tx, id uuid.UUID, merge func(*model.Run) *model.Run) error {
	existing, err := tx.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if err = tx.InsertRun(ctx, merge(nil)); !errors.Is(err, store.ErrExists) {
			return err
		}
		existing, err = tx.GetRun(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", id, err)
	}
	next := merge(existing)
	if reflect.DeepEqual(existing, next) {
		return nil
	}
	return tx.UpdateRun(ctx, next)
}

func applyStep(ctx context.Context, tx store.Tx, id uuid.UUID, merge func(*model.Step) (*model.Step, error)) error {
	existing, err := tx.GetStep(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		var next *model.Step
		if next, err = merge(nil); err != nil {
			return err
		}
		if err = tx.InsertStep(ctx, next); !errors.Is(err, store.ErrExists) {
			return err
		}
		existing, err = tx.GetStep(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("load step %s: %w", id, err)
	}
	next, err := merge(existing)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(existing, next) {
		return nil
	}
	return tx.UpdateStep(ctx, next)
}

// BatchResult is returned to producers for every ingestion batch.
type BatchResult struct {
	Status   string         `json:"status"`
	Ingested int            `json:"ingested"`
	Failed   int            `json:"failed"`
	Errors   []EventError   `json:"errors"`
	Warnings []EventWarning `json:"warnings"`

	// EndedRuns lists runs that received a run.end in this batch.
	EndedRuns []uuid.UUID `json:"-"`
}

const (
	BatchOK      = "ok"
	BatchPartial = "partial"
)

type EventError struct {
	Index  int     `json:"index"`
	Type   string  `json:"type,omitempty"`
	Kind   string  `json:"kind"`
	RunID  string  `json:"run_id,omitempty"`
	StepID *string `json:"step_id"`
	Error  string  `json:"error"`
}

type EventWarning struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	StepID  string `json:"step_id"`
	Warning string `json:"warning"`
}

// ApplyBatch applies items in order. A failing item is reported and never
// aborts the items after it.
func (r *Reconciler) ApplyBatch(ctx context.Context, items []events.Item) BatchResult {
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	res := BatchResult{Errors: []EventError{}, Warnings: []EventWarning{}}
	ended := map[uuid.UUID]bool{}
	for _, it := range items {
		err := it.Err
		var out Outcome
		if err == nil {
			out, err = r.Apply(ctx, it.Event)
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, eventError(it, err))
			metrics.EventsApplied.WithLabelValues(string(it.Type), "failed").Inc()
			r.log.Warn("event rejected", "index", it.Index, "event_type", it.Type, "kind", ErrorKind(err), "error", err)
			continue
		}
		res.Ingested++
		metrics.EventsApplied.WithLabelValues(string(it.Type), "ok").Inc()
		if out.PlaceholderCreated {
			se := it.Event.(events.StepEvent)
			metrics.PlaceholdersCreated.Inc()
			res.Warnings = append(res.Warnings, EventWarning{
				Index:   it.Index,
				Type:    string(it.Type),
				StepID:  se.Step().String(),
				Warning: WarningPlaceholderCreated,
			})
			r.log.Info("placeholder step created", "index", it.Index, "run_id", se.Run(), "step_id", se.Step())
		}
		if it.Type == events.TypeRunEnd && !ended[it.Event.Run()] {
			ended[it.Event.Run()] = true
			res.EndedRuns = append(res.EndedRuns, it.Event.Run())
		}
	}
	res.Status = BatchOK
	if res.Failed > 0 {
		res.Status = BatchPartial
	}
	return res
}

func eventError(it events.Item, err error) EventError {
	e := EventError{
		Index: it.Index,
		Type:  string(it.Type),
		Kind:  ErrorKind(err),
		Error: err.Error(),
	}
	if it.Event != nil {
		e.RunID = it.Event.Run().String()
		if se, ok := it.Event.(events.StepEvent); ok {
			id := se.Step().String()
			e.StepID = &id
		}
	}
	return e
}
