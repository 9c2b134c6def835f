package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// CostRepo persists per-job OCR spend records.
type CostRepo struct{ Pool PgxPool }

// NewCostRepo constructs a CostRepo with the given pool.
func NewCostRepo(p PgxPool) *CostRepo { return &CostRepo{Pool: p} }

// Insert records a pending cost row and returns its id.
func (r *CostRepo) Insert(ctx context.Context, c domain.CostRecord) (string, error) {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.Insert")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := c.Status
	if status == "" {
		status = domain.CostPending
	}
	q := `INSERT INTO cost_records (id, job_id, user_id, provider, pages, cost_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.Pool.Exec(ctx, q, id, c.JobID, c.UserID, c.Provider, c.Pages, c.CostCents, status, time.Now().UTC()); err != nil {
		return "", mapError("cost.insert", err)
	}
	return id, nil
}

// Complete finalizes a cost record as COMPLETED or FAILED.
func (r *CostRepo) Complete(ctx context.Context, id string, success bool) error {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.Complete")
	defer span.End()
	status := domain.CostCompleted
	if !success {
		status = domain.CostFailed
	}
	q := `UPDATE cost_records SET status=$2, completed_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC(), domain.CostPending)
	if err != nil {
		return mapError("cost.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=cost.complete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListPendingBefore returns cost rows still PENDING past the cutoff, oldest
// first, for the reconciliation sweep.
func (r *CostRepo) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]domain.CostRecord, error) {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.ListPendingBefore")
	defer span.End()
	q := `SELECT id, job_id, user_id, provider, pages, cost_cents, status, created_at, completed_at
		FROM cost_records WHERE status=$1 AND created_at < $2 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, domain.CostPending, cutoff)
	if err != nil {
		return nil, mapError("cost.list_pending", err)
	}
	defer rows.Close()
	var out []domain.CostRecord
	for rows.Next() {
		var c domain.CostRecord
		if err := rows.Scan(&c.ID, &c.JobID, &c.UserID, &c.Provider, &c.Pages, &c.CostCents, &c.Status, &c.CreatedAt, &c.CompletedAt); err != nil {
			return nil, mapError("cost.list_pending", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteByJob removes all cost rows for a job, used during erasure. Deleting
// a job with no rows is not an error.
func (r *CostRepo) DeleteByJob(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("repo.costs")
	ctx, span := tracer.Start(ctx, "costs.DeleteByJob")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM cost_records WHERE job_id=$1`, jobID); err != nil {
		return mapError("cost.delete_by_job", err)
	}
	return nil
}
