package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"veriops/internal/config"
	"veriops/internal/db"
	"veriops/internal/logging"
	"veriops/internal/reconcile"
	"veriops/internal/storage"
	"veriops/internal/validation"
	"veriops/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the worker")
	}
	if !cfg.QueueEnabled() {
		return errors.New("REDIS_ADDR is required for the worker")
	}
	st := db.NewStore(db.MustOpen(cfg.DatabaseURL))
	defer st.Close()

	w := &worker.Server{
		Validator:  validation.NewService(st, log),
		Reconciler: reconcile.New(st, log),
		Log:        log,
	}
	if cfg.ArchiveEnabled() {
		s3c, err := storage.New(context.Background(), storage.Options{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
		})
		if err != nil {
			return err
		}
		w.Archive = s3c
	}
	log.Info("worker starting", "redis", cfg.RedisAddr, "concurrency", cfg.WorkerConcurrency)
	return worker.Run(cfg.RedisAddr, cfg.WorkerConcurrency, w)
}
