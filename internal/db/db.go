// Package db is the Postgres implementation of store.Store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"veriops/internal/store"
)

func MustOpen(dsn string) *sqlx.DB {
	return sqlx.MustConnect("pgx", dsn)
}

func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return mapErr(tx.Commit())
}

// Postgres error classes surfaced as store.ErrConstraint.
var constraintCodes = map[string]bool{
	"23505": true, // unique_violation
	"23503": true, // foreign_key_violation
	"23514": true, // check_violation
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && constraintCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s: %s", store.ErrConstraint, pgErr.ConstraintName, pgErr.Message)
	}
	return err
}
