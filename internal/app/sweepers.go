package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/docpipe/internal/cost"
	"github.com/fairyhunter13/docpipe/internal/domain"
)

// StuckDocumentSweeper flips documents parked in PROCESSING past the cutoff
// to FAILED. A document stuck that long means its worker died without running
// the failure path.
type StuckDocumentSweeper struct {
	docs             domain.DocumentRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckDocumentSweeper builds a sweeper. Returns nil when docs is nil.
func NewStuckDocumentSweeper(docs domain.DocumentRepository, maxProcessingAge, interval time.Duration) *StuckDocumentSweeper {
	if docs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckDocumentSweeper{docs: docs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *StuckDocumentSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck document sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over PROCESSING documents.
func (s *StuckDocumentSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "StuckDocumentSweeper.SweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	const pageSize = 100
	marked := 0

	for offset := 0; ; offset += pageSize {
		docs, err := s.docs.ListByStatus(ctx, domain.DocProcessing, offset, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck document sweep listing failed", slog.Any("error", err))
			return
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if !doc.UpdatedAt.Before(cutoff) {
				continue
			}
			msg := fmt.Sprintf("processing exceeded maximum age %v; failed by sweeper", s.maxProcessingAge)
			if err := s.docs.UpdateStatus(ctx, doc.ID, domain.DocFailed, &msg); err != nil {
				slog.Error("stuck document sweep update failed",
					slog.String("document_id", doc.ID),
					slog.Any("error", err))
				continue
			}
			marked++
			slog.Warn("stuck document failed by sweeper",
				slog.String("document_id", doc.ID),
				slog.Time("updated_at", doc.UpdatedAt))
		}
		if len(docs) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("documents.marked_failed", marked))
}

// CostReconcileSweeper periodically reports cost records stuck in PENDING.
// Report-only: the ledger logs each stale record, nothing is mutated.
type CostReconcileSweeper struct {
	ledger   *cost.Ledger
	interval time.Duration
}

// NewCostReconcileSweeper builds a sweeper. Returns nil when ledger is nil.
func NewCostReconcileSweeper(ledger *cost.Ledger, interval time.Duration) *CostReconcileSweeper {
	if ledger == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CostReconcileSweeper{ledger: ledger, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *CostReconcileSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cost reconcile sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.ledger.Reconcile(ctx); err != nil {
				slog.Error("cost reconcile sweep failed", slog.Any("error", err))
			}
		}
	}
}
