package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"veriops/internal/auth"
	"veriops/internal/events"
	"veriops/internal/metrics"
	"veriops/internal/reconcile"
	"veriops/internal/schemas"
	"veriops/internal/store"
	"veriops/internal/tasks"
	"veriops/internal/validation"
)

const (
	maxBatchBytes       = 5 << 20
	defaultRunsLimit    = 50
	maxRunsLimit        = 200
	defaultSummaryLimit = 100
	maxSummaryLimit     = 1000
)

var validate = validator.New()

// Archiver stores raw batches for later replay. *storage.Client implements it.
type Archiver interface {
	PutJSON(ctx context.Context, v any) (string, error)
}

type Deps struct {
	Store      store.Store
	Reconciler *reconcile.Reconciler
	Validator  *validation.Service
	// Archive and Queue are optional.
	Archive Archiver
	Queue   tasks.Enqueuer

	APIKey         string
	AutoValidate   bool
	RequestTimeout time.Duration
	Log            *slog.Logger
}

type Server struct {
	Deps
}

func NewServer(addr string, d Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	s := &Server{Deps: d}
	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, requestLogger(d.Log), m.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAPIKey(auth.NewKeyChecker(d.APIKey)))
		if d.RequestTimeout > 0 {
			r.Use(m.Timeout(d.RequestTimeout))
		}
		r.Post("/events", s.ingestEvents)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Delete("/runs/{id}", s.deleteRun)
		r.Post("/runs/{id}/validate", s.validateRun)
		r.Get("/runs/{id}/validations", s.listValidations)
		r.Get("/projects", s.listProjects)
		r.Get("/projects/{id}/summary", s.projectSummary)
		r.Post("/batches/replay", s.replayBatch)
	})

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	return r
}

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errResp{err.Error()})
		return
	}
	items, err := events.Decode(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
		return
	}

	var ref string
	if s.Archive != nil {
		ref, err = s.Archive.PutJSON(r.Context(), json.RawMessage(body))
		if err != nil {
			s.Log.Error("archive batch", "error", err)
			writeJSON(w, http.StatusInternalServerError, errResp{"archive failed"})
			return
		}
	}

	res := s.Reconciler.ApplyBatch(r.Context(), items)
	s.enqueueValidations(r.Context(), res.EndedRuns)
	s.Log.Info("batch applied", "events", len(items), "ingested", res.Ingested, "failed", res.Failed, "archive_ref", ref)
	writeJSON(w, http.StatusOK, schemas.IngestResponse{BatchResult: res, ArchiveRef: ref})
}

// enqueueValidations schedules validation of ended runs that carry a runbook.
// Failures are logged; the batch has already been applied.
func (s *Server) enqueueValidations(ctx context.Context, runs []uuid.UUID) {
	if !s.AutoValidate || s.Queue == nil {
		return
	}
	for _, id := range runs {
		run, err := s.Store.GetRun(ctx, id)
		if err != nil || run.RunbookText() == "" {
			continue
		}
		_, err = s.Queue.EnqueueContext(ctx, tasks.NewValidateRun(id))
		switch {
		case errors.Is(err, asynq.ErrDuplicateTask):
		case err != nil:
			s.Log.Warn("enqueue validation", "run_id", id, "error", err)
		default:
			s.Log.Debug("validation enqueued", "run_id", id)
		}
	}
}

func runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{"invalid run id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) validateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	var req schemas.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
		return
	}
	res, err := s.Validator.Validate(r.Context(), id, req.RunbookYAML)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errResp{"run not found"})
		return
	}
	s.Log.Error("store", "error", err)
	writeJSON(w, http.StatusInternalServerError, errResp{err.Error()})
}

// intParam reads a query integer in [lo, hi], falling back to def when absent.
func intParam(r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	f := store.RunFilter{ProjectID: r.URL.Query().Get("project_id")}
	var ok bool
	if f.Limit, ok = intParam(r, "limit", defaultRunsLimit, 1, maxRunsLimit); !ok {
		writeJSON(w, http.StatusBadRequest, errResp{"limit must be between 1 and 200"})
		return
	}
	if f.Offset, ok = intParam(r, "offset", 0, 0, int(^uint32(0)>>1)); !ok {
		writeJSON(w, http.StatusBadRequest, errResp{"offset must be non-negative"})
		return
	}
	runs, err := s.Store.ListRuns(r.Context(), f)
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := schemas.RunListOut{Runs: make([]schemas.RunOut, 0, len(runs)), Limit: f.Limit, Offset: f.Offset}
	for i := range runs {
		out.Runs = append(out.Runs, schemas.RunFromModel(&runs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	steps, err := s.Store.ListSteps(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.RunDetailFromModel(run, steps))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteRun(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.Log.Info("run deleted", "run_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listValidations(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	history, err := s.Validator.History(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.ValidationListOut{RunID: id, Validations: history})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, http.StatusOK, schemas.ProjectListOut{Projects: projects})
}

func (s *Server) projectSummary(w http.ResponseWriter, r *http.Request) {
	window, ok := intParam(r, "limit", defaultSummaryLimit, 1, maxSummaryLimit)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errResp{"limit must be between 1 and 1000"})
		return
	}
	sum, err := s.Store.ProjectSummary(r.Context(), chi.URLParam(r, "id"), window)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas.ProjectSummaryFromStore(sum))
}

func (s *Server) replayBatch(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errResp{"queue not configured"})
		return
	}
	var req schemas.ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{err.Error()})
		return
	}
	info, err := s.Queue.EnqueueContext(r.Context(), tasks.NewReplayBatch(req.Ref))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, schemas.EnqueuedResponse{TaskID: info.ID, Ref: req.Ref})
}
