package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakePool records the last statement and delegates to function fields.
type fakePool struct {
	execSQL  string
	execArgs []any
	exec     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = sql
	p.execArgs = args
	if p.exec != nil {
		return p.exec(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow != nil {
		return p.queryRow(ctx, sql, args...)
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func TestMapError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, mapError("x", nil))
	})
	t.Run("no rows maps to not found", func(t *testing.T) {
		err := mapError("document.get", pgx.ErrNoRows)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "op=document.get")
	})
	t.Run("unique violation maps to already exists", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "documents_object_key_key"}
		err := mapError("document.create", pgErr)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		assert.Contains(t, err.Error(), "documents_object_key_key")
	})
	t.Run("deadlock maps to transient", func(t *testing.T) {
		err := mapError("cost.insert", &pgconn.PgError{Code: "40P01"})
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
	t.Run("admin shutdown maps to transient", func(t *testing.T) {
		err := mapError("event.append", &pgconn.PgError{Code: "57P01"})
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
	t.Run("unknown error wraps verbatim", func(t *testing.T) {
		base := errors.New("boom")
		err := mapError("page.create", base)
		assert.ErrorIs(t, err, base)
		assert.NotErrorIs(t, err, domain.ErrTransient)
	})
}

func TestExecuteWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures retried until success", func(t *testing.T) {
		calls := 0
		err := ExecuteWithRetry(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return fmt.Errorf("op=test: %w", domain.ErrTransient)
			}
			return nil
		}, 5)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-transient fails fast", func(t *testing.T) {
		calls := 0
		err := ExecuteWithRetry(ctx, func(context.Context) error {
			calls++
			return fmt.Errorf("op=test: %w", domain.ErrInvalidInput)
		}, 5)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempts exhausted returns last error", func(t *testing.T) {
		calls := 0
		err := ExecuteWithRetry(ctx, func(context.Context) error {
			calls++
			return fmt.Errorf("op=test: %w", domain.ErrTransient)
		}, 2)
		assert.ErrorIs(t, err, domain.ErrTransient)
		assert.Equal(t, 2, calls)
	})
}

func TestDocumentRepoUpdateStatusNotFound(t *testing.T) {
	pool := &fakePool{exec: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	repo := NewDocumentRepo(pool)
	err := repo.UpdateStatus(context.Background(), "missing", domain.DocFailed, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDocumentRepoCreateGeneratesID(t *testing.T) {
	pool := &fakePool{}
	repo := NewDocumentRepo(pool)
	id, err := repo.Create(context.Background(), domain.Document{
		ObjectKey:   "uploads/a.pdf",
		Filename:    "a.pdf",
		ContentType: "application/pdf",
		SizeBytes:   1024,
		SHA256Raw:   strings.Repeat("ab", 32),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, pool.execArgs, 13)
	assert.Equal(t, id, pool.execArgs[0])
	assert.Equal(t, domain.DocUploaded, pool.execArgs[7])
}

func TestArtifactRepoCreateMarshalsPayload(t *testing.T) {
	pool := &fakePool{}
	repo := NewArtifactRepo(pool)
	_, err := repo.Create(context.Background(), domain.Artifact{
		DocumentID: "doc-1",
		Kind:       domain.ArtifactTable,
		Page:       2,
		Engine:     "camelot",
		Payload:    domain.TablePayload{Cells: []domain.TableCell{{Text: "Revenue"}}},
	})
	require.NoError(t, err)
	require.Len(t, pool.execArgs, 9)
	payload, ok := pool.execArgs[5].([]byte)
	require.True(t, ok)
	assert.Contains(t, string(payload), `"kind":"table"`)
	assert.Equal(t, domain.ArtifactPending, pool.execArgs[6])
}

func TestAuditRepoInsertBatch(t *testing.T) {
	t.Run("empty batch is a no-op", func(t *testing.T) {
		pool := &fakePool{}
		n, err := NewAuditRepo(pool).InsertBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, pool.execSQL)
	})

	t.Run("multi-row statement with conflict clause", func(t *testing.T) {
		pool := &fakePool{exec: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 2"), nil
		}}
		events := []domain.AuditEvent{
			{JobID: "j1", EventType: domain.AuditEnqueued, IdempotencyKey: "k1"},
			{JobID: "j1", EventType: domain.AuditExtracted, IdempotencyKey: "k2"},
			{JobID: "j1", EventType: domain.AuditExtracted, IdempotencyKey: "k2"},
		}
		n, err := NewAuditRepo(pool).InsertBatch(context.Background(), events)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Contains(t, pool.execSQL, "ON CONFLICT (idempotency_key) DO NOTHING")
		assert.Contains(t, pool.execSQL, "$27")
		assert.Len(t, pool.execArgs, 27)
	})
}

func TestCostRepoComplete(t *testing.T) {
	t.Run("already finalized maps to not found", func(t *testing.T) {
		pool := &fakePool{exec: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}}
		err := NewCostRepo(pool).Complete(context.Background(), "c1", true)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("failure finalizes as FAILED", func(t *testing.T) {
		pool := &fakePool{exec: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}}
		require.NoError(t, NewCostRepo(pool).Complete(context.Background(), "c1", false))
		assert.Equal(t, domain.CostFailed, pool.execArgs[1])
	})
}
