package reconcile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"veriops/internal/events"
	"veriops/internal/store"
)

// Error kinds reported per failed event.
const (
	KindInvalidEvent    = "invalid_event"
	KindStepRunMismatch = "step_run_mismatch"
	KindConstraint      = "constraint_violation"
	KindStore           = "store_error"
)

// StepRunMismatchError is returned when an event names a different run than
// the one its step is already attached to. A step id never moves between runs.
type StepRunMismatchError struct {
	EventType   events.Type
	StepID      uuid.UUID
	StoredRunID uuid.UUID
	EventRunID  uuid.UUID
}

func (e *StepRunMismatchError) Error() string {
	return fmt.Sprintf("step_id=%s is already associated with run_id=%s, cannot apply %s for run_id=%s",
		e.StepID, e.StoredRunID, e.EventType, e.EventRunID)
}

// ErrorKind classifies an Apply error for the batch error detail.
func ErrorKind(err error) string {
	var mismatch *StepRunMismatchError
	var invalid *events.InvalidEventError
	switch {
	case errors.As(err, &mismatch):
		return KindStepRunMismatch
	case errors.As(err, &invalid):
		return KindInvalidEvent
	case errors.Is(err, store.ErrConstraint):
		return KindConstraint
	default:
		return KindStore
	}
}
