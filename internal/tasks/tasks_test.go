package tasks

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRunPayload(t *testing.T) {
	id := uuid.New()
	task := NewValidateRun(id)
	assert.Equal(t, TypeValidateRun, task.Type())

	got, err := ParseValidateRun(task)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseValidateRun_BadPayload(t *testing.T) {
	_, err := ParseValidateRun(asynq.NewTask(TypeValidateRun, []byte("nope")))
	assert.Error(t, err)
}

func TestReplayBatchPayload(t *testing.T) {
	task := NewReplayBatch("s3://b/k.json")
	assert.Equal(t, TypeReplayBatch, task.Type())
	assert.Equal(t, "s3://b/k.json", string(task.Payload()))
}
