// Package config reads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// HTTP
	HTTPAddr       string
	APIKey         string
	RequestTimeout time.Duration

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Queue. An empty RedisAddr disables background validation and replay.
	RedisAddr         string
	AutoValidate      bool
	WorkerConcurrency int

	// Batch archive (S3 / MinIO). An empty endpoint disables archiving.
	MinioEndpoint  string
	MinioBucket    string
	MinioAccessKey string
	MinioSecretKey string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables.
func Load() Config {
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8000"),
		APIKey:            getEnv("API_KEY", "dev-key"),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		AutoValidate:      getEnvBool("AUTO_VALIDATE", true),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),
		MinioEndpoint:     os.Getenv("MINIO_ENDPOINT"),
		MinioBucket:       getEnv("MINIO_BUCKET", "veriops-batches"),
		MinioAccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:    os.Getenv("MINIO_SECRET_KEY"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}
}

func (c Config) ArchiveEnabled() bool { return c.MinioEndpoint != "" }

func (c Config) QueueEnabled() bool { return c.RedisAddr != "" }

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
