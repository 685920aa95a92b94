package validation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriops/internal/model"
	"veriops/internal/runbook"
	"veriops/internal/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, st store.Store, status model.RunStatus, rb string, tools ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	runID := uuid.New()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		run := &model.Run{ID: runID, ProjectID: "p", Status: status, StartedAt: &t0, TotalTokens: 10}
		if rb != "" {
			run.Runbook = &rb
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		for i, tool := range tools {
			ended := t0.Add(time.Duration(i+1) * time.Second)
			if err := tx.InsertStep(ctx, &model.Step{
				ID:      uuid.New(),
				RunID:   uuid.NullUUID{UUID: runID, Valid: true},
				Index:   i,
				Name:    tool + "-step",
				Tool:    tool,
				Status:  model.StepOK,
				EndedAt: &ended,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return runID
}

func newService(st store.Store) *Service {
	return NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidate_IdempotentOnUnchangedInputs(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()
	runID := seed(t, st, model.RunPassed, "allowed_tools: [llm]\n", "llm", "web")

	first, err := svc.Validate(ctx, runID, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, model.ValidationFailed, first.Status)
	assert.Equal(t, first.ValidationID.String(), first.Summary["validation_id"])

	second, err := svc.Validate(ctx, runID, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	second.Cached = false
	assert.Equal(t, first, second)

	rows, err := st.ListValidations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
}

func TestValidate_ConcurrentCallsCreateOneRow(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()
	runID := seed(t, st, model.RunRunning, "allowed_tools: [llm]\n", "llm")

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Validate(ctx, runID, nil)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	rows, err := st.ListValidations(ctx, runID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, rows[0].ID, r.ValidationID)
	}
}

// racyStore hides existing validations from the pre-insert lookup so that
// Validate goes down the insert path even when a row already exists.
type racyStore struct{ store.Store }

func (s racyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error { return fn(racyTx{tx}) })
}

type racyTx struct{ store.Tx }

func (racyTx) GetValidationByHash(context.Context, uuid.UUID, string) (*model.RunValidation, error) {
	return nil, store.ErrNotFound
}

func TestValidate_InsertConflictReturnsWinner(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	runID := seed(t, mem, model.RunRunning, "allowed_tools: [llm]\n", "llm")

	winner, err := newService(mem).Validate(ctx, runID, nil)
	require.NoError(t, err)

	loser, err := newService(racyStore{mem}).Validate(ctx, runID, nil)
	require.NoError(t, err)
	assert.True(t, loser.Cached)
	assert.Equal(t, winner.ValidationID, loser.ValidationID)
	assert.Equal(t, winner.CreatedAt, loser.CreatedAt)

	rows, err := mem.ListValidations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestValidate_ErrorStatusWins(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	runID := seed(t, st, model.RunError, "allowed_tools: [llm]\n", "llm")

	res, err := newService(st).Validate(ctx, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationPassed, res.Status)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunError, run.Status)
}

func TestValidate_OverrideChangesHash(t *testing.T) {
	st := store.NewMemory()
	svc := newService(st)
	ctx := context.Background()
	runID := seed(t, st, model.RunPassed, "allowed_tools: [llm]\n", "llm")

	stored, err := svc.Validate(ctx, runID, nil)
	require.NoError(t, err)
	empty := ""
	same, err := svc.Validate(ctx, runID, &empty)
	require.NoError(t, err)
	assert.Equal(t, stored.ValidationID, same.ValidationID, "empty override falls back to the stored runbook")

	override := "allowed_tools: [web]\n"
	other, err := svc.Validate(ctx, runID, &override)
	require.NoError(t, err)
	assert.NotEqual(t, stored.InputHash, other.InputHash)
	assert.Equal(t, model.ValidationFailed, other.Status)

	history, err := svc.History(ctx, runID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, other.ValidationID, history[0].ValidationID)
}

func TestValidate_MissingRunbookIsPersistedVerdict(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	runID := seed(t, st, model.RunPassed, "", "llm")

	res, err := newService(st).Validate(ctx, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationFailed, res.Status)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, runbook.CodeMissing, res.Reasons[0].Code)
}

func TestValidate_RunNotFound(t *testing.T) {
	svc := newService(store.NewMemory())
	_, err := svc.Validate(context.Background(), uuid.New(), nil)
	assert.True(t, errors.Is(err, ErrRunNotFound))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = svc.History(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestInputHash(t *testing.T) {
	ended := t0
	run := &model.Run{ID: uuid.New(), TotalTokens: 5}
	steps := []model.Step{
		{ID: uuid.New(), Index: 1, Name: "b", Tool: "t"},
		{ID: uuid.New(), Index: 0, Name: "a", Tool: "t", EndedAt: &ended},
	}
	h1, err := InputHash(run, steps, "rb")
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	reversed := []model.Step{steps[1], steps[0]}
	h2, err := InputHash(run, reversed, "rb")
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash follows canonical order, not input order")

	h3, err := InputHash(run, steps, "rb ")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	changed := *run
	changed.TotalTokens = 6
	h4, err := InputHash(&changed, steps, "rb")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)

	// fields the rules never read do not affect the hash
	steps[0].LatencyMS = 999
	steps[0].Output = model.JSONObject{"x": 1}
	h5, err := InputHash(run, steps, "rb")
	require.NoError(t, err)
	assert.Equal(t, h1, h5)
}
