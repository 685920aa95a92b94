package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"veriops/internal/config"
	"veriops/internal/db"
	httpSrv "veriops/internal/http"
	"veriops/internal/logging"
	"veriops/internal/migrations"
	"veriops/internal/reconcile"
	"veriops/internal/storage"
	"veriops/internal/store"
	"veriops/internal/validation"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var st store.Store
	if cfg.DatabaseURL != "" {
		// Run embedded migrations (idempotent)
		if err := migrations.Run(cfg.DatabaseURL); err != nil {
			return err
		}
		st = db.NewStore(db.MustOpen(cfg.DatabaseURL))
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	deps := httpSrv.Deps{
		Store:          st,
		Reconciler:     reconcile.New(st, log),
		Validator:      validation.NewService(st, log),
		APIKey:         cfg.APIKey,
		AutoValidate:   cfg.AutoValidate,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	}
	if cfg.ArchiveEnabled() {
		s3c, err := storage.New(ctx, storage.Options{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
		})
		if err != nil {
			return err
		}
		deps.Archive = s3c
	}
	if cfg.QueueEnabled() {
		asq := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer asq.Close()
		deps.Queue = asq
	}

	srv := httpSrv.NewServer(cfg.HTTPAddr, deps)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", cfg.HTTPAddr,
			"postgres", cfg.DatabaseURL != "", "queue", cfg.QueueEnabled(), "archive", cfg.ArchiveEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
