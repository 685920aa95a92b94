package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "API_KEY", "DATABASE_URL", "REDIS_ADDR", "AUTO_VALIDATE", "MINIO_ENDPOINT", "REQUEST_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "dev-key", cfg.APIKey)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.AutoValidate)
	assert.False(t, cfg.QueueEnabled())
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("AUTO_VALIDATE", "false")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.False(t, cfg.AutoValidate)
	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.QueueEnabled())
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("REQUEST_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
}
