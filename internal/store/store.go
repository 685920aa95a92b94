// Package store defines the persistence contract for runs, steps and
// validations. All coordination between concurrent writers is expressed as
// constraints enforced by the implementation, never as in-process locks held
// by callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veriops/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConstraint wraps unique, foreign key and check violations.
	ErrConstraint = errors.New("constraint violation")
	// ErrExists is returned by inserts whose primary key is already taken,
	// typically by a concurrent writer. It also matches ErrConstraint.
	ErrExists = fmt.Errorf("%w: row exists", ErrConstraint)
)

// Tx is a unit of work. Getters lock the returned row until the transaction
// ends.
type Tx interface {
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	// InsertRun and InsertStep return ErrExists, leaving the transaction
	// usable, when the id is taken.
	InsertRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	SetRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error

	GetStep(ctx context.Context, id uuid.UUID) (*model.Step, error)
	InsertStep(ctx context.Context, step *model.Step) error
	UpdateStep(ctx context.Context, step *model.Step) error
	// ListSteps returns the run's steps in canonical order.
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	GetValidationByHash(ctx context.Context, runID uuid.UUID, inputHash string) (*model.RunValidation, error)
	// InsertValidation stores v unless a row with the same (run, input hash)
	// exists. It returns the row that is stored afterwards and whether it is v.
	InsertValidation(ctx context.Context, v *model.RunValidation) (*model.RunValidation, bool, error)
}

type RunFilter struct {
	ProjectID string
	Limit     int
	Offset    int
}

type ProjectSummary struct {
	ProjectID        string
	TotalRuns        int
	LastRunAt        *time.Time
	StatusCounts     map[string]int
	LatestValidation *model.RunValidation
	WindowLimit      int
}

type Store interface {
	// InTx runs fn in a transaction that commits only if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)
	ListValidations(ctx context.Context, runID uuid.UUID) ([]model.RunValidation, error)
	// DeleteRun removes the run with its steps and validations.
	DeleteRun(ctx context.Context, id uuid.UUID) error

	ListProjects(ctx context.Context) ([]string, error)
	// ProjectSummary counts statuses over the window most recent runs.
	ProjectSummary(ctx context.Context, projectID string, window int) (*ProjectSummary, error)

	Ping(ctx context.Context) error
	Close() error
}
