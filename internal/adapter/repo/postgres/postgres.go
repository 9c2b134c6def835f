// Package postgres provides PostgreSQL database adapters.
//
// It implements the domain repository ports with connection pooling,
// retry-with-jitter, and scoped transactions.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Postgres error codes the gateway cares about.
const (
	codeUniqueViolation  = "23505"
	codeDeadlockDetected = "40P01"
	codeQueryCanceled    = "57014"
	codeAdminShutdown    = "57P01"
	codeCrashShutdown    = "57P02"
	codeCannotConnect    = "57P03"
)

// mapError translates a pgx error into the domain taxonomy, preserving the
// original as wrapped context.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("op=%s: %w: %s", op, domain.ErrAlreadyExists, pgErr.ConstraintName)
		case codeDeadlockDetected, codeQueryCanceled, codeAdminShutdown, codeCrashShutdown, codeCannotConnect:
			return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
