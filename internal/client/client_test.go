package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriops/internal/events"
	apihttp "veriops/internal/http"
	"veriops/internal/reconcile"
	"veriops/internal/store"
	"veriops/internal/validation"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(url string) Config {
	return Config{
		BaseURL:     url,
		APIKey:      "k",
		ProjectID:   "p",
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		Log:         quietLog(),
	}
}

func runStart() events.Event {
	return events.RunStart{RunID: uuid.New(), TS: time.Now().UTC(), ProjectID: "p"}
}

// okHandler answers every batch with status ok and counts the events it saw.
func okHandler(calls, seen *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var b events.Batch
		_ = json.NewDecoder(r.Body).Decode(&b)
		seen.Add(int32(len(b.Events)))
		_ = json.NewEncoder(w).Encode(reconcile.BatchResult{Status: reconcile.BatchOK, Ingested: len(b.Events)})
	}
}

func TestFlush_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(reconcile.BatchResult{Status: reconcile.BatchOK, Ingested: 1})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.Enqueue(context.Background(), runStart())
	require.NoError(t, err)
	res, err := c.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFlush_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, _ = c.Enqueue(context.Background(), runStart())
	res, err := c.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.OK())
}

func TestFlush_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, _ = c.Enqueue(context.Background(), runStart())
	_, err := c.Flush(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlush_Chunks(t *testing.T) {
	var calls, seen atomic.Int32
	srv := httptest.NewServer(okHandler(&calls, &seen))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxBatchEvents = 2
	cfg.FlushThreshold = 100
	c := New(cfg)
	for range 5 {
		_, err := c.Enqueue(context.Background(), runStart())
		require.NoError(t, err)
	}
	res, err := c.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ingested)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(5), seen.Load())
	assert.Zero(t, c.Buffered())
}

func TestFlush_IndicesAreBufferRelative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b events.Batch
		_ = json.NewDecoder(r.Body).Decode(&b)
		stepID := uuid.NewString()
		_ = json.NewEncoder(w).Encode(reconcile.BatchResult{
			Status:   reconcile.BatchPartial,
			Ingested: len(b.Events) - 1,
			Failed:   1,
			Errors:   []reconcile.EventError{{Index: 1, Kind: reconcile.KindStepRunMismatch, StepID: &stepID}},
			Warnings: []reconcile.EventWarning{{Index: 0, Warning: reconcile.WarningPlaceholderCreated}},
		})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxBatchEvents = 2
	cfg.FlushThreshold = 100
	c := New(cfg)
	for range 4 {
		_, err := c.Enqueue(context.Background(), runStart())
		require.NoError(t, err)
	}
	res, err := c.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.BatchPartial, res.Status)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, 3, res.Errors[1].Index)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, 0, res.Warnings[0].Index)
	assert.Equal(t, 2, res.Warnings[1].Index)
}

func TestEnqueue_AutoFlushAtThreshold(t *testing.T) {
	var calls, seen atomic.Int32
	srv := httptest.NewServer(okHandler(&calls, &seen))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.FlushThreshold = 3
	c := New(cfg)
	for i := range 2 {
		res, err := c.Enqueue(context.Background(), runStart())
		require.NoError(t, err)
		assert.Nil(t, res, "enqueue %d", i)
	}
	res, err := c.Enqueue(context.Background(), runStart())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Ingested)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlush_EmptyBufferSendsNothing(t *testing.T) {
	var calls, seen atomic.Int32
	srv := httptest.NewServer(okHandler(&calls, &seen))
	defer srv.Close()

	res, err := New(testConfig(srv.URL)).Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Zero(t, calls.Load())
}

func TestBackOffSchedule(t *testing.T) {
	c := New(Config{BackoffBase: 100 * time.Millisecond, BackoffCap: 400 * time.Millisecond, BackoffJitter: 0.2})
	b := c.newBackOff()
	want := []time.Duration{100, 200, 400, 400, 400}
	for i, w := range want {
		w *= time.Millisecond
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, time.Duration(float64(w)*0.8)-time.Millisecond, "attempt %d", i)
		assert.LessOrEqual(t, d, time.Duration(float64(w)*1.2)+time.Millisecond, "attempt %d", i)
	}
}

func TestRunLifecycleAgainstAPI(t *testing.T) {
	log := quietLog()
	st := store.NewMemory()
	api := httptest.NewServer(apihttp.NewRouter(apihttp.Deps{
		Store:      st,
		Reconciler: reconcile.New(st, log),
		Validator:  validation.NewService(st, log),
		APIKey:     "k",
		Log:        log,
	}))
	defer api.Close()

	ctx := context.Background()
	c := New(testConfig(api.URL))
	runbook := "allowed_tools: [llm]\nrequired_steps: [plan, answer]\n"
	run, err := c.StartRun(ctx, &runbook)
	require.NoError(t, err)

	plan, err := run.Step(ctx, "plan", "llm", map[string]any{"q": "hi"})
	require.NoError(t, err)
	plan.Tokens = 10
	require.NoError(t, plan.End(ctx, nil))

	answer, err := run.Step(ctx, "answer", "llm", nil)
	require.NoError(t, err)
	answer.Tokens = 5
	require.NoError(t, answer.End(ctx, nil))

	tokens := int64(15)
	run.SetTotals(&tokens, nil)
	res, err := run.End(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 5, res.Ingested)

	verdict, err := c.ValidateRun(ctx, run.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "passed", string(verdict.Status))
	assert.Empty(t, verdict.Reasons)

	steps, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "plan", steps[0].Name)
	assert.Equal(t, "answer", steps[1].Name)
}
