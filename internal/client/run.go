package client

import (
	"context"
	"time"

	"github.com/google/uuid"

	"veriops/internal/events"
	"veriops/internal/model"
)

// Run emits the lifecycle events of one agent run. It is not safe for
// concurrent use; steps are numbered in the order Step is called.
type Run struct {
	ID uuid.UUID

	c         *Client
	nextIndex int
	totals    events.Totals
}

// StartRun emits run.start and flushes so the run is visible immediately.
func (c *Client) StartRun(ctx context.Context, runbook *string) (*Run, error) {
	r := &Run{ID: uuid.New(), c: c}
	if _, err := c.Enqueue(ctx, events.RunStart{
		RunID:     r.ID,
		TS:        c.now().UTC(),
		ProjectID: c.cfg.ProjectID,
		Runbook:   runbook,
	}); err != nil {
		return r, err
	}
	_, err := c.Flush(ctx)
	return r, err
}

// SetTotals records the totals reported by End. Nil values are omitted.
func (r *Run) SetTotals(tokens *int64, costUSD *float64) {
	r.totals = events.Totals{Tokens: tokens, CostUSD: costUSD}
}

// ReserveIndex allocates the next step index for a step whose events the
// caller emits directly.
func (r *Run) ReserveIndex() int {
	i := r.nextIndex
	r.nextIndex++
	return i
}

// End emits run.end and flushes everything still buffered.
func (r *Run) End(ctx context.Context) (FlushResult, error) {
	if _, err := r.c.Enqueue(ctx, events.RunEnd{RunID: r.ID, TS: r.c.now().UTC(), Totals: r.totals}); err != nil {
		return FlushResult{}, err
	}
	return r.c.Flush(ctx)
}

type Step struct {
	ID    uuid.UUID
	Index int

	run     *Run
	started time.Time

	Output  map[string]any
	Tokens  int64
	CostUSD float64
}

// Step emits step.start for the next step of the run.
func (r *Run) Step(ctx context.Context, name, tool string, input map[string]any) (*Step, error) {
	s := &Step{ID: uuid.New(), Index: r.ReserveIndex(), run: r, started: r.c.now()}
	_, err := r.c.Enqueue(ctx, events.StepStart{
		RunID:  r.ID,
		StepID: s.ID,
		TS:     s.started.UTC(),
		Index:  s.Index,
		Name:   name,
		Tool:   tool,
		Input:  input,
	})
	return s, err
}

// End emits step.end. A non-nil stepErr marks the step as failed and is
// recorded under output["error"] unless the output already has one.
func (s *Step) End(ctx context.Context, stepErr error) error {
	now := s.run.c.now()
	output := model.JSONObject{}
	for k, v := range s.Output {
		output[k] = v
	}
	status := model.StepOK
	if stepErr != nil {
		status = model.StepError
		if _, ok := output["error"]; !ok {
			output["error"] = stepErr.Error()
		}
	}
	_, err := s.run.c.Enqueue(ctx, events.StepEnd{
		RunID:     s.run.ID,
		StepID:    s.ID,
		TS:        now.UTC(),
		Output:    output,
		LatencyMS: max(0, now.Sub(s.started).Milliseconds()),
		Tokens:    s.Tokens,
		CostUSD:   s.CostUSD,
		Status:    status,
	})
	return err
}
