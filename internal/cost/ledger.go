// Package cost tracks billable OCR spend and enforces the per-job ceiling.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// Ledger persists cost records and gates jobs against the configured ceiling.
type Ledger struct {
	repo             domain.CostRepository
	perPageCents     int64
	maxJobCostCents  int64
	reconcileCutoff  time.Duration
	logger           *slog.Logger
}

// NewLedger builds a Ledger. maxJobCostCents of zero disables the budget gate.
func NewLedger(repo domain.CostRepository, perPageCents, maxJobCostCents int64, reconcileCutoff time.Duration, logger *slog.Logger) *Ledger {
	if reconcileCutoff <= 0 {
		reconcileCutoff = 5 * time.Minute
	}
	return &Ledger{
		repo:            repo,
		perPageCents:    perPageCents,
		maxJobCostCents: maxJobCostCents,
		reconcileCutoff: reconcileCutoff,
		logger:          logger,
	}
}

// Estimate returns the pre-flight cost in cents for the given page count.
func (l *Ledger) Estimate(pages int) int64 {
	if pages <= 0 {
		return 0
	}
	return int64(pages) * l.perPageCents
}

// Allows reports whether a job of the given page count fits the ceiling,
// alongside the estimate. A zero ceiling always allows.
func (l *Ledger) Allows(pages int) (bool, int64) {
	estimate := l.Estimate(pages)
	if l.maxJobCostCents <= 0 {
		return true, estimate
	}
	return estimate <= l.maxJobCostCents, estimate
}

// Record inserts a PENDING cost record for a billable OCR run, rejecting
// jobs whose estimate exceeds the ceiling.
func (l *Ledger) Record(ctx context.Context, jobID, userID, provider string, pages int) (string, error) {
	allowed, estimate := l.Allows(pages)
	if !allowed {
		return "", fmt.Errorf("op=cost.Record: estimate %d cents exceeds ceiling %d: %w",
			estimate, l.maxJobCostCents, domain.ErrBudgetExceeded)
	}
	id, err := l.repo.Insert(ctx, domain.CostRecord{
		JobID:     jobID,
		UserID:    userID,
		Provider:  provider,
		Pages:     pages,
		CostCents: estimate,
		Status:    domain.CostPending,
	})
	if err != nil {
		return "", fmt.Errorf("op=cost.Record: %w", err)
	}
	return id, nil
}

// Complete finalizes a record as COMPLETED or FAILED.
func (l *Ledger) Complete(ctx context.Context, recordID string, success bool) error {
	if err := l.repo.Complete(ctx, recordID, success); err != nil {
		return fmt.Errorf("op=cost.Complete: %w", err)
	}
	return nil
}

// Reconcile reports records still PENDING past the cutoff. It does not mutate
// them; a stuck record means the finalizer never ran, which an operator should
// see rather than have papered over.
func (l *Ledger) Reconcile(ctx context.Context) ([]domain.CostRecord, error) {
	cutoff := time.Now().Add(-l.reconcileCutoff)
	stale, err := l.repo.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=cost.Reconcile: %w", err)
	}
	for _, rec := range stale {
		l.logger.Warn("cost record stuck in PENDING",
			slog.String("record_id", rec.ID),
			slog.String("job_id", rec.JobID),
			slog.String("provider", rec.Provider),
			slog.Int64("cost_cents", rec.CostCents),
			slog.Time("created_at", rec.CreatedAt))
	}
	return stale, nil
}

// Erase removes all cost rows for a job during deletion.
func (l *Ledger) Erase(ctx context.Context, jobID string) error {
	if err := l.repo.DeleteByJob(ctx, jobID); err != nil {
		return fmt.Errorf("op=cost.Erase: %w", err)
	}
	return nil
}
