package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools, pooled connections and
// transactions. Repositories depend on it so the same code runs inside and
// outside a transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Conn returns the tenant-scoped connection from ctx, or fallback.
func Conn(ctx context.Context, fallback Querier) Querier {
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return fallback
}

// WithTx runs fn inside a transaction on the tenant connection (or fallback).
// fn's error, a cancelled ctx or a failed commit roll everything back.
func WithTx(ctx context.Context, fallback Querier, fn func(tx pgx.Tx) error) error {
	tx, err := Conn(ctx, fallback).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
