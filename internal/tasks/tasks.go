// Package tasks defines the background jobs shared by the API and the worker.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeValidateRun = "validate_run"
	TypeReplayBatch = "replay_batch"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewValidateRun builds a task that validates runID against its stored
// runbook. Duplicate tasks for the same run within a short window collapse.
func NewValidateRun(runID uuid.UUID) *asynq.Task {
	return asynq.NewTask(TypeValidateRun, []byte(runID.String()),
		asynq.MaxRetry(5),
		asynq.Unique(30*time.Second),
	)
}

func NewReplayBatch(ref string) *asynq.Task {
	return asynq.NewTask(TypeReplayBatch, []byte(ref), asynq.MaxRetry(3))
}

func ParseValidateRun(t *asynq.Task) (uuid.UUID, error) {
	id, err := uuid.ParseBytes(t.Payload())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s payload: %w", TypeValidateRun, err)
	}
	return id, nil
}
