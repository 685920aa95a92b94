// Package worker serves background validation and batch replay tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"veriops/internal/events"
	"veriops/internal/reconcile"
	"veriops/internal/tasks"
	"veriops/internal/validation"
)

// Fetcher loads an archived batch. *storage.Client implements it.
type Fetcher interface {
	GetJSON(ctx context.Context, ref string, v any) error
}

type Server struct {
	Validator  *validation.Service
	Reconciler *reconcile.Reconciler
	// Archive may be nil, in which case replay tasks are dropped.
	Archive Fetcher
	Log     *slog.Logger
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeValidateRun, s.handleValidate)
	mux.HandleFunc(tasks.TypeReplayBatch, s.handleReplay)
	return mux
}

func (s *Server) handleValidate(ctx context.Context, t *asynq.Task) error {
	runID, err := tasks.ParseValidateRun(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	res, err := s.Validator.Validate(ctx, runID, nil)
	if errors.Is(err, validation.ErrRunNotFound) {
		// deleted between enqueue and now
		s.Log.Warn("validate: run not found", "run_id", runID)
		return nil
	}
	if err != nil {
		return err
	}
	s.Log.Info("background validation", "run_id", runID, "status", res.Status, "cached", res.Cached)
	return nil
}

func (s *Server) handleReplay(ctx context.Context, t *asynq.Task) error {
	ref := string(t.Payload())
	if s.Archive == nil {
		s.Log.Error("replay: archive not configured", "ref", ref)
		return fmt.Errorf("%w: archive not configured", asynq.SkipRetry)
	}
	var batch events.Batch
	if err := s.Archive.GetJSON(ctx, ref, &batch); err != nil {
		return err
	}
	items := events.DecodeRaw(batch.Events)
	res := s.Reconciler.ApplyBatch(ctx, items)
	s.Log.Info("batch replayed", "ref", ref, "status", res.Status,
		"ingested", res.Ingested, "failed", res.Failed, "warnings", len(res.Warnings))
	for _, e := range res.Errors {
		s.Log.Warn("replay: event rejected", "ref", ref, "index", e.Index, "kind", e.Kind, "error", e.Error)
	}
	return nil
}

func Run(addr string, concurrency int, s *Server) error {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: addr}, asynq.Config{
		Concurrency: concurrency,
		Logger:      newAsynqLogger(s.Log),
	})
	return srv.Run(s.mux())
}

// asynqLogger adapts slog to asynq.Logger.
type asynqLogger struct{ log *slog.Logger }

func newAsynqLogger(l *slog.Logger) asynq.Logger { return asynqLogger{log: l.With("component", "asynq")} }

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Error(fmt.Sprint(args...)); os.Exit(1) }
