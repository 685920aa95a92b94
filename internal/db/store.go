package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"veriops/internal/model"
	"veriops/internal/store"
)

// Store implements store.Store on Postgres. Row locks taken by the Tx
// getters plus the schema's unique indexes are the only coordination
// between service instances.
type Store struct {
	DB *sqlx.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(dbx *sqlx.DB) *Store {
	return &Store{DB: dbx}
}

func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return WithTx(ctx, s.DB, func(tx *sqlx.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Close() error { return s.DB.Close() }

// Tx implements store.Tx on one database transaction.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	var r Run
	if err := t.tx.GetContext(ctx, &r, `select `+runCols+` from runs where id=$1 for update`, id); err != nil {
		return nil, mapErr(err)
	}
	return r.toModel(), nil
}

func (t *Tx) InsertRun(ctx context.Context, m *model.Run) error {
	r := runRow(m)
	res, err := t.tx.ExecContext(ctx, `insert into runs(`+runCols+`) values($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (id) do nothing`,
		r.ID, r.ProjectID, r.Runbook, r.Status, r.StartedAt, r.EndedAt, r.TotalTokens, r.TotalCostUSD)
	return inserted(res, err)
}

func (t *Tx) UpdateRun(ctx context.Context, m *model.Run) error {
	r := runRow(m)
	res, err := t.tx.ExecContext(ctx, `update runs set project_id=$2, runbook=$3, status=$4, started_at=$5,
		ended_at=$6, total_tokens=$7, total_cost_usd=$8 where id=$1`,
		r.ID, r.ProjectID, r.Runbook, r.Status, r.StartedAt, r.EndedAt, r.TotalTokens, r.TotalCostUSD)
	return affected(res, err)
}

func (t *Tx) SetRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	res, err := t.tx.ExecContext(ctx, `update runs set status=$2 where id=$1`, id, string(status))
	return affected(res, err)
}

func (t *Tx) GetStep(ctx context.Context, id uuid.UUID) (*model.Step, error) {
	var s Step
	if err := t.tx.GetContext(ctx, &s, `select `+stepCols+` from steps where id=$1 for update`, id); err != nil {
		return nil, mapErr(err)
	}
	return s.toModel(), nil
}

func (t *Tx) InsertStep(ctx context.Context, m *model.Step) error {
	s := stepRow(m)
	res, err := t.tx.ExecContext(ctx, `insert into steps(`+stepCols+`)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		on conflict (id) do nothing`,
		s.ID, s.RunID, s.Index, s.Name, s.Tool, s.Status, s.Input, s.Output,
		s.LatencyMS, s.Tokens, s.CostUSD, s.StartedAt, s.EndedAt)
	return inserted(res, err)
}

func (t *Tx) UpdateStep(ctx context.Context, m *model.Step) error {
	s := stepRow(m)
	res, err := t.tx.ExecContext(ctx, `update steps set run_id=$2, "index"=$3, name=$4, tool=$5, status=$6,
		input_json=$7, output_json=$8, latency_ms=$9, tokens=$10, cost_usd=$11, started_at=$12, ended_at=$13
		where id=$1`,
		s.ID, s.RunID, s.Index, s.Name, s.Tool, s.Status, s.Input, s.Output,
		s.LatencyMS, s.Tokens, s.CostUSD, s.StartedAt, s.EndedAt)
	return affected(res, err)
}

// placeholders (index < 0) last, then index, start time and id
const stepOrder = `order by case when "index" < 0 then 1 else 0 end, "index", started_at, id`

func (t *Tx) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	return listSteps(ctx, t.tx, runID)
}

func listSteps(ctx context.Context, q sqlx.QueryerContext, runID uuid.UUID) ([]model.Step, error) {
	var rows []Step
	if err := sqlx.SelectContext(ctx, q, &rows, `select `+stepCols+` from steps where run_id=$1 `+stepOrder, runID); err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Step, len(rows))
	for i := range rows {
		out[i] = *rows[i].toModel()
	}
	return out, nil
}

func (t *Tx) GetValidationByHash(ctx context.Context, runID uuid.UUID, inputHash string) (*model.RunValidation, error) {
	var v RunValidation
	err := t.tx.GetContext(ctx, &v, `select `+validationCols+` from run_validations where run_id=$1 and input_hash=$2`,
		runID, inputHash)
	if err != nil {
		return nil, mapErr(err)
	}
	return v.toModel()
}

// InsertValidation relies on the unique (run_id, input_hash) index: a
// concurrent writer that committed the same hash first makes the insert a
// no-op, and the winner's row is read back instead.
func (t *Tx) InsertValidation(ctx context.Context, m *model.RunValidation) (*model.RunValidation, bool, error) {
	row, err := validationRow(m)
	if err != nil {
		return nil, false, err
	}
	var v RunValidation
	err = t.tx.GetContext(ctx, &v, `insert into run_validations(`+validationCols+`)
		values($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (run_id, input_hash) do nothing
		returning `+validationCols,
		row.ID, row.RunID, row.CreatedAt, row.Status, row.Reasons, row.Summary, row.RunbookYAML, row.InputHash)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := t.GetValidationByHash(ctx, m.RunID, m.InputHash)
		if err != nil {
			return nil, false, fmt.Errorf("re-read conflicting validation: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	stored, err := v.toModel()
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// inserted maps an "on conflict (id) do nothing" that wrote no row to
// store.ErrExists. Only the primary key is an arbiter; other unique
// violations still fail the statement.
func inserted(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrExists
	}
	return nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	var r Run
	if err := s.DB.GetContext(ctx, &r, `select `+runCols+` from runs where id=$1`, id); err != nil {
		return nil, mapErr(err)
	}
	return r.toModel(), nil
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]model.Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows []Run
	err := s.DB.SelectContext(ctx, &rows, `select `+runCols+` from runs
		where ($1 = '' or project_id = $1)
		order by started_at desc, id desc
		limit $2 offset $3`, f.ProjectID, limit, f.Offset)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Run, len(rows))
	for i := range rows {
		out[i] = *rows[i].toModel()
	}
	return out, nil
}

func (s *Store) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	return listSteps(ctx, s.DB, runID)
}

func (s *Store) ListValidations(ctx context.Context, runID uuid.UUID) ([]model.RunValidation, error) {
	var rows []RunValidation
	err := s.DB.SelectContext(ctx, &rows, `select `+validationCols+` from run_validations
		where run_id=$1 order by created_at desc, id desc`, runID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.RunValidation, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// DeleteRun relies on ON DELETE CASCADE for steps and validations.
func (s *Store) DeleteRun(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `delete from runs where id=$1`, id)
	return affected(res, err)
}

func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	out := []string{}
	if err := s.DB.SelectContext(ctx, &out, `select distinct project_id from runs order by project_id asc`); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *Store) ProjectSummary(ctx context.Context, projectID string, window int) (*store.ProjectSummary, error) {
	sum := &store.ProjectSummary{ProjectID: projectID, StatusCounts: map[string]int{}, WindowLimit: window}

	var head struct {
		Total int        `db:"total"`
		Last  *time.Time `db:"last"`
	}
	if err := s.DB.GetContext(ctx, &head, `select count(*) as total, max(started_at) as last
		from runs where project_id=$1`, projectID); err != nil {
		return nil, mapErr(err)
	}
	sum.TotalRuns = head.Total
	sum.LastRunAt = utc(head.Last)

	var counts []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.DB.SelectContext(ctx, &counts, `select status, count(*) as n from (
			select status from runs where project_id=$1
			order by started_at desc, id desc limit $2
		) recent group by status`, projectID, window); err != nil {
		return nil, mapErr(err)
	}
	for _, c := range counts {
		sum.StatusCounts[c.Status] = c.N
	}

	var v RunValidation
	err := s.DB.GetContext(ctx, &v, `select v.id, v.run_id, v.created_at, v.status, v.reasons_json,
			v.summary_json, v.runbook_yaml, v.input_hash
		from run_validations v join runs r on r.id = v.run_id
		where r.project_id=$1
		order by r.started_at desc, r.id desc, v.created_at desc
		limit 1`, projectID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, mapErr(err)
	default:
		latest, err := v.toModel()
		if err != nil {
			return nil, err
		}
		sum.LatestValidation = latest
	}
	return sum, nil
}
