package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"veriops/internal/model"
)

// Memory is a Store kept in process memory. Transactions are serialized and
// applied copy-on-write, and it enforces the same constraints as the
// Postgres schema. Intended for tests and local runs without DATABASE_URL.
type Memory struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	runs        map[uuid.UUID]*model.Run
	steps       map[uuid.UUID]*model.Step
	validations []*model.RunValidation
}

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			runs:  map[uuid.UUID]*model.Run{},
			steps: map[uuid.UUID]*model.Step{},
		},
		now: time.Now,
	}
}

// SetClock overrides the clock used for validation timestamps.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (s *memState) clone() *memState {
	c := &memState{
		runs:        make(map[uuid.UUID]*model.Run, len(s.runs)),
		steps:       make(map[uuid.UUID]*model.Step, len(s.steps)),
		validations: make([]*model.RunValidation, len(s.validations)),
	}
	for k, v := range s.runs {
		c.runs[k] = v.Clone()
	}
	for k, v := range s.steps {
		c.steps[k] = v.Clone()
	}
	copy(c.validations, s.validations)
	return c
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: m.state.clone(), now: m.now}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) GetRun(_ context.Context, id uuid.UUID) (*model.Run, error) {
	r, ok := t.state.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) InsertRun(_ context.Context, run *model.Run) error {
	if _, ok := t.state.runs[run.ID]; ok {
		return fmt.Errorf("%w: runs_pkey (%s)", ErrExists, run.ID)
	}
	if err := checkRun(run); err != nil {
		return err
	}
	t.state.runs[run.ID] = run.Clone()
	return nil
}

func (t *memTx) UpdateRun(_ context.Context, run *model.Run) error {
	if _, ok := t.state.runs[run.ID]; !ok {
		return ErrNotFound
	}
	if err := checkRun(run); err != nil {
		return err
	}
	t.state.runs[run.ID] = run.Clone()
	return nil
}

func (t *memTx) SetRunStatus(_ context.Context, id uuid.UUID, status model.RunStatus) error {
	r, ok := t.state.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func checkRun(run *model.Run) error {
	if run.TotalTokens < 0 {
		return fmt.Errorf("%w: ck_runs_total_tokens_nonneg", ErrConstraint)
	}
	if run.TotalCostUSD < 0 {
		return fmt.Errorf("%w: ck_runs_total_cost_nonneg", ErrConstraint)
	}
	return nil
}

func (t *memTx) GetStep(_ context.Context, id uuid.UUID) (*model.Step, error) {
	s, ok := t.state.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (t *memTx) InsertStep(_ context.Context, step *model.Step) error {
	if _, ok := t.state.steps[step.ID]; ok {
		return fmt.Errorf("%w: steps_pkey (%s)", ErrExists, step.ID)
	}
	if err := t.checkStep(step); err != nil {
		return err
	}
	t.state.steps[step.ID] = step.Clone()
	return nil
}

func (t *memTx) UpdateStep(_ context.Context, step *model.Step) error {
	if _, ok := t.state.steps[step.ID]; !ok {
		return ErrNotFound
	}
	if err := t.checkStep(step); err != nil {
		return err
	}
	t.state.steps[step.ID] = step.Clone()
	return nil
}

func (t *memTx) checkStep(step *model.Step) error {
	if step.LatencyMS < 0 || step.Tokens < 0 || step.CostUSD < 0 {
		return fmt.Errorf("%w: steps non-negative counters", ErrConstraint)
	}
	if !step.RunID.Valid {
		return nil
	}
	if _, ok := t.state.runs[step.RunID.UUID]; !ok {
		return fmt.Errorf("%w: steps_run_id_fkey (run %s does not exist)", ErrConstraint, step.RunID.UUID)
	}
	if step.IsPlaceholder() {
		return nil
	}
	for id, other := range t.state.steps {
		if id == step.ID || other.IsPlaceholder() || !other.RunID.Valid {
			continue
		}
		if other.RunID.UUID == step.RunID.UUID && other.Index == step.Index {
			return fmt.Errorf("%w: uq_steps_run_id_index (run %s, index %d)", ErrConstraint, step.RunID.UUID, step.Index)
		}
	}
	return nil
}

func (t *memTx) ListSteps(_ context.Context, runID uuid.UUID) ([]model.Step, error) {
	return t.state.stepsOf(runID), nil
}

func (s *memState) stepsOf(runID uuid.UUID) []model.Step {
	out := []model.Step{}
	for _, st := range s.steps {
		if st.RunID.Valid && st.RunID.UUID == runID {
			out = append(out, *st.Clone())
		}
	}
	model.SortSteps(out)
	return out
}

func (t *memTx) GetValidationByHash(_ context.Context, runID uuid.UUID, inputHash string) (*model.RunValidation, error) {
	for _, v := range t.state.validations {
		if v.RunID == runID && v.InputHash == inputHash {
			return cloneValidation(v), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertValidation(ctx context.Context, v *model.RunValidation) (*model.RunValidation, bool, error) {
	if existing, err := t.GetValidationByHash(ctx, v.RunID, v.InputHash); err == nil {
		return existing, false, nil
	}
	if _, ok := t.state.runs[v.RunID]; !ok {
		return nil, false, fmt.Errorf("%w: run_validations_run_id_fkey (run %s does not exist)", ErrConstraint, v.RunID)
	}
	row := cloneValidation(v)
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = t.now().UTC()
	}
	t.state.validations = append(t.state.validations, row)
	return cloneValidation(row), true, nil
}

func cloneValidation(v *model.RunValidation) *model.RunValidation {
	c := *v
	c.Reasons = append([]model.Reason(nil), v.Reasons...)
	c.Summary = maps.Clone(v.Summary)
	return &c
}

func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Run{}
	for _, r := range m.state.runs {
		if f.ProjectID == "" || r.ProjectID == f.ProjectID {
			out = append(out, *r.Clone())
		}
	}
	sortRunsNewestFirst(out)
	if f.Offset >= len(out) {
		return []model.Run{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// sortRunsNewestFirst mirrors ORDER BY started_at DESC NULLS FIRST, id DESC.
func sortRunsNewestFirst(runs []model.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		switch {
		case a.StartedAt == nil && b.StartedAt != nil:
			return true
		case a.StartedAt != nil && b.StartedAt == nil:
			return false
		case a.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.After(*b.StartedAt)
		}
		return a.ID.String() > b.ID.String()
	})
}

func (m *Memory) ListSteps(_ context.Context, runID uuid.UUID) ([]model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.stepsOf(runID), nil
}

func (m *Memory) ListValidations(_ context.Context, runID uuid.UUID) ([]model.RunValidation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RunValidation{}
	for i := len(m.state.validations) - 1; i >= 0; i-- {
		if v := m.state.validations[i]; v.RunID == runID {
			out = append(out, *cloneValidation(v))
		}
	}
	return out, nil
}

func (m *Memory) DeleteRun(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.runs[id]; !ok {
		return ErrNotFound
	}
	delete(m.state.runs, id)
	for sid, st := range m.state.steps {
		if st.RunID.Valid && st.RunID.UUID == id {
			delete(m.state.steps, sid)
		}
	}
	kept := m.state.validations[:0]
	for _, v := range m.state.validations {
		if v.RunID != id {
			kept = append(kept, v)
		}
	}
	m.state.validations = kept
	return nil
}

func (m *Memory) ListProjects(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for _, r := range m.state.runs {
		seen[r.ProjectID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ProjectSummary(ctx context.Context, projectID string, window int) (*ProjectSummary, error) {
	runs, err := m.ListRuns(ctx, RunFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	sum := &ProjectSummary{
		ProjectID:    projectID,
		TotalRuns:    len(runs),
		StatusCounts: map[string]int{},
		WindowLimit:  window,
	}
	for i := range runs {
		if st := runs[i].StartedAt; st != nil && (sum.LastRunAt == nil || st.After(*sum.LastRunAt)) {
			t := *st
			sum.LastRunAt = &t
		}
		if i < window {
			sum.StatusCounts[string(runs[i].Status)]++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// newest run first, then newest validation within it
	for i := range runs {
		var latest *model.RunValidation
		for _, v := range m.state.validations {
			if v.RunID == runs[i].ID && (latest == nil || !v.CreatedAt.Before(latest.CreatedAt)) {
				latest = v
			}
		}
		if latest != nil {
			sum.LatestValidation = cloneValidation(latest)
			break
		}
	}
	return sum, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
