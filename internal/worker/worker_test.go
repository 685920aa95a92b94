package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriops/internal/model"
	"veriops/internal/reconcile"
	"veriops/internal/store"
	"veriops/internal/tasks"
	"veriops/internal/validation"
)

type mapFetcher map[string]string

func (f mapFetcher) GetJSON(_ context.Context, ref string, v any) error {
	body, ok := f[ref]
	if !ok {
		return errors.New("no such object")
	}
	return json.Unmarshal([]byte(body), v)
}

func newServer(t *testing.T, f Fetcher) (*Server, *store.Memory) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	return &Server{
		Validator:  validation.NewService(st, log),
		Reconciler: reconcile.New(st, log),
		Archive:    f,
		Log:        log,
	}, st
}

func TestHandleReplay_AppliesArchivedBatch(t *testing.T) {
	runID := uuid.New()
	body := `{"events":[
		{"type":"run.start","run_id":"` + runID.String() + `","ts":"2026-01-01T00:00:00Z","project_id":"p","runbook":"allowed_tools: [x]"},
		{"type":"run.end","run_id":"` + runID.String() + `","ts":"2026-01-01T00:00:05Z","totals":{"tokens":7}},
		{"type":"bogus"}
	]}`
	s, st := newServer(t, mapFetcher{"s3://b/k.json": body})

	err := s.mux().ProcessTask(context.Background(), tasks.NewReplayBatch("s3://b/k.json"))
	require.NoError(t, err)

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "p", run.ProjectID)
	assert.Equal(t, int64(7), run.TotalTokens)
	assert.NotNil(t, run.EndedAt)
}

func TestHandleReplay_MissingObjectRetries(t *testing.T) {
	s, _ := newServer(t, mapFetcher{})
	err := s.mux().ProcessTask(context.Background(), tasks.NewReplayBatch("s3://b/missing.json"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleReplay_NoArchiveSkipsRetry(t *testing.T) {
	s, _ := newServer(t, nil)
	err := s.mux().ProcessTask(context.Background(), tasks.NewReplayBatch("s3://b/k.json"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleValidate(t *testing.T) {
	s, st := newServer(t, nil)
	ctx := context.Background()
	runID := uuid.New()
	runbook := "allowed_tools: [search]\n"
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertRun(ctx, &model.Run{ID: runID, ProjectID: "p", Runbook: &runbook, Status: model.RunPassed})
	}))

	require.NoError(t, s.mux().ProcessTask(ctx, tasks.NewValidateRun(runID)))
	require.NoError(t, s.mux().ProcessTask(ctx, tasks.NewValidateRun(runID)))

	vals, err := st.ListValidations(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, vals, 1)
	assert.Equal(t, model.ValidationPassed, vals[0].Status)
}

func TestHandleValidate_UnknownRunIsDone(t *testing.T) {
	s, _ := newServer(t, nil)
	assert.NoError(t, s.mux().ProcessTask(context.Background(), tasks.NewValidateRun(uuid.New())))
}

func TestHandleValidate_BadPayload(t *testing.T) {
	s, _ := newServer(t, nil)
	err := s.mux().ProcessTask(context.Background(), asynq.NewTask(tasks.TypeValidateRun, []byte("x")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
