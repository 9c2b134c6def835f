package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/docpipe/internal/cost"
	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/extract/financial"
	"github.com/fairyhunter13/docpipe/internal/ocr"
)

var pdfMagic = []byte("%PDF")

const previewUploadConcurrency = 4

// ObjectStore is the slice of the object-store client the pipeline uses.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	Delete(ctx context.Context, key string) error
}

// ProgressWriter receives mid-run progress snapshots.
type ProgressWriter interface {
	WriteSnapshot(ctx context.Context, snap domain.ProgressSnapshot) error
}

// AuditSink receives operational audit events.
type AuditSink interface {
	Add(ctx context.Context, e domain.AuditEvent) error
}

// ExtractedTable is one table produced by the extraction engines.
type ExtractedTable struct {
	Page    int
	Engine  string
	Rows    int
	Columns int
	Cells   []domain.TableCell
}

// TableExtractor is the capability interface over the extraction engines.
type TableExtractor interface {
	ExtractTables(ctx context.Context, pdfPath string, maxPages int) ([]ExtractedTable, error)
}

// OCRRunner is the slice of the OCR runtime the pipeline uses.
type OCRRunner interface {
	Extract(ctx context.Context, provider, docPath string, timeout time.Duration) ([]ocr.Cell, string, error)
}

// PipelineOptions carries the tuning knobs read from configuration.
type PipelineOptions struct {
	MaxUploadBytes  int64
	ParseTimeout    time.Duration
	OCRProvider     string
	OCRProviderMode string
	OCREnabled      bool
}

// Pipeline executes one document job end to end. Every step is framed by a
// cancellation checkpoint and the long-running ones run under the timeout
// manager.
type Pipeline struct {
	docs      domain.DocumentRepository
	pages     domain.PageRepository
	artifacts domain.ArtifactRepository
	events    domain.EventRepository
	store     ObjectStore
	ledger    *cost.Ledger
	renderer  domain.PageRenderer
	extractor TableExtractor
	ocr       OCRRunner
	detector  *financial.Detector
	progress  ProgressWriter
	audit     AuditSink
	timeouts  *TimeoutManager
	opts      PipelineOptions
	logger    *slog.Logger
}

// NewPipeline wires a Pipeline. ocrRunner may be nil when OCR is disabled.
func NewPipeline(
	docs domain.DocumentRepository,
	pages domain.PageRepository,
	artifacts domain.ArtifactRepository,
	events domain.EventRepository,
	store ObjectStore,
	ledger *cost.Ledger,
	renderer domain.PageRenderer,
	extractor TableExtractor,
	ocrRunner OCRRunner,
	detector *financial.Detector,
	progress ProgressWriter,
	auditSink AuditSink,
	timeouts *TimeoutManager,
	opts PipelineOptions,
	logger *slog.Logger,
) *Pipeline {
	if opts.ParseTimeout <= 0 {
		opts.ParseTimeout = 2 * time.Minute
	}
	return &Pipeline{
		docs:      docs,
		pages:     pages,
		artifacts: artifacts,
		events:    events,
		store:     store,
		ledger:    ledger,
		renderer:  renderer,
		extractor: extractor,
		ocr:       ocrRunner,
		detector:  detector,
		progress:  progress,
		audit:     auditSink,
		timeouts:  timeouts,
		opts:      opts,
		logger:    logger,
	}
}

// Run processes the envelope's document. The returned error's kind tells the
// worker whether to retry, dead-letter, or record a cancellation.
func (p *Pipeline) Run(ctx context.Context, env domain.JobEnvelope) error {
	logger := p.logger.With(
		slog.String("job_id", env.JobID),
		slog.String("document_id", env.DocumentID))

	doc, err := p.docs.Get(ctx, env.DocumentID)
	if err != nil {
		return fmt.Errorf("op=pipeline.Run: load document: %w", err)
	}
	if doc.Status == domain.DocCompleted {
		logger.Info("document already completed, skipping")
		return nil
	}
	if !Startable(doc.Status) {
		return fmt.Errorf("op=pipeline.Run: document in %s is not startable: %w", doc.Status, domain.ErrInvalidInput)
	}

	var costID string
	runErr := p.run(ctx, env, doc, &costID, logger)
	if runErr != nil {
		p.fail(ctx, env, doc.ID, costID, runErr, logger)
	}
	return runErr
}

func (p *Pipeline) run(ctx context.Context, env domain.JobEnvelope, doc domain.Document, costID *string, logger *slog.Logger) error {
	// Step 1: acquire.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.transition(ctx, doc.ID, doc.Status, EventProcess, "", map[string]any{"job_id": env.JobID}); err != nil {
		return err
	}
	p.report(ctx, env, 0.05, "processing started")

	// Step 2: download and validate.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	var raw []byte
	err := p.timeouts.Do(ctx, "download", p.opts.ParseTimeout, func(ctx context.Context) error {
		var err error
		raw, err = p.store.Get(ctx, doc.ObjectKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=pipeline.download: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("op=pipeline.download: empty object: %w", domain.ErrFatal)
	}
	if !bytes.HasPrefix(raw, pdfMagic) {
		return fmt.Errorf("op=pipeline.download: missing %%PDF magic: %w", domain.ErrFatal)
	}
	if p.opts.MaxUploadBytes > 0 && int64(len(raw)) > p.opts.MaxUploadBytes {
		return fmt.Errorf("op=pipeline.download: %d bytes over limit %d: %w", len(raw), p.opts.MaxUploadBytes, domain.ErrFatal)
	}

	scratch, err := os.MkdirTemp("", "docpipe-*")
	if err != nil {
		return fmt.Errorf("op=pipeline.scratch: %w: %v", domain.ErrTransient, err)
	}
	defer os.RemoveAll(scratch)
	pdfPath := filepath.Join(scratch, "document.pdf")
	if err := os.WriteFile(pdfPath, raw, 0o600); err != nil {
		return fmt.Errorf("op=pipeline.scratch: %w: %v", domain.ErrTransient, err)
	}
	p.report(ctx, env, 0.15, "document downloaded")

	// Step 3: budget gate.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	pageCount, err := p.renderer.PageCount(ctx, pdfPath)
	if err != nil {
		return fmt.Errorf("op=pipeline.pages: %w", err)
	}
	if allowed, estimate := p.ledger.Allows(pageCount); !allowed {
		return fmt.Errorf("op=pipeline.budget: estimate %d cents: %w", estimate, domain.ErrBudgetExceeded)
	}

	// Step 4: record pending cost.
	provider := p.pickProvider(pageCount)
	id, err := p.ledger.Record(ctx, env.JobID, env.UserID, provider, pageCount)
	if err != nil {
		return fmt.Errorf("op=pipeline.cost: %w", err)
	}
	*costID = id
	p.report(ctx, env, 0.25, "budget approved")

	// Step 5: render and upload previews.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.renderPreviews(ctx, doc.ID, pdfPath, pageCount); err != nil {
		return err
	}
	p.report(ctx, env, 0.5, "previews rendered")

	// Step 6: extract tables.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.extractTables(ctx, doc.ID, pdfPath, pageCount); err != nil {
		return err
	}
	p.report(ctx, env, 0.75, "tables extracted")

	// Step 7: OCR.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	if p.opts.OCREnabled && p.ocr != nil {
		if err := p.runOCR(ctx, doc.ID, provider, pdfPath); err != nil {
			return err
		}
	}
	p.report(ctx, env, 0.9, "extraction finished")

	// Step 8: finalize.
	if err := p.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.transition(ctx, doc.ID, domain.DocProcessing, EventSuccess, "", map[string]any{"job_id": env.JobID}); err != nil {
		return err
	}
	if *costID != "" {
		if err := p.ledger.Complete(ctx, *costID, true); err != nil {
			logger.Warn("cost completion failed", slog.Any("error", err))
		}
	}
	p.auditEvent(ctx, env, domain.AuditExtracted, map[string]any{"pages": pageCount})
	p.auditEvent(ctx, env, domain.AuditExported, map[string]any{"provider": provider})
	logger.Info("document processed", slog.Int("pages", pageCount))
	return nil
}

// checkpoint re-reads the cancellation flag; a set flag aborts the run with
// the non-retriable cancelled sentinel.
func (p *Pipeline) checkpoint(ctx context.Context, docID string) error {
	doc, err := p.docs.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("op=pipeline.checkpoint: %w", err)
	}
	if doc.CancellationRequested {
		return fmt.Errorf("op=pipeline.checkpoint: %w", domain.ErrJobCancelled)
	}
	return nil
}

// transition applies the state machine and interprets the persistence
// effects it returns, keeping the one-event-per-transition invariant. The
// snapshot, audit, reschedule, and dead-letter effects are owned by the
// progress reporter and the queue dispatcher, which act on the run's error
// classification.
func (p *Pipeline) transition(ctx context.Context, docID string, from domain.DocumentStatus, ev Event, errMsg string, meta map[string]any) error {
	next, effects, err := Next(from, ev)
	if err != nil {
		return err
	}
	var msgPtr *string
	if errMsg != "" {
		msgPtr = &errMsg
	}
	for _, effect := range effects {
		switch effect {
		case EffectPersistStatus:
			if err := p.docs.UpdateStatus(ctx, docID, next, msgPtr); err != nil {
				return fmt.Errorf("op=pipeline.transition: %w", err)
			}
		case EffectAppendEvent:
			if err := p.events.Append(ctx, domain.ProcessingEvent{
				DocumentID: docID,
				Kind:       EventKind(next),
				Message:    errMsg,
				Metadata:   meta,
			}); err != nil {
				return fmt.Errorf("op=pipeline.transition: %w", err)
			}
		}
	}
	return nil
}

func (p *Pipeline) renderPreviews(ctx context.Context, docID, pdfPath string, pageCount int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(previewUploadConcurrency)

	var mu sync.Mutex
	uploaded := 0
	for page := 1; page <= pageCount; page++ {
		page := page
		g.Go(func() error {
			png, w, h, err := p.renderer.Render(gctx, pdfPath, page)
			if err != nil {
				return fmt.Errorf("render page %d: %w", page, err)
			}
			key := fmt.Sprintf("previews/%s/page-%d.png", docID, page)
			if err := p.store.Put(gctx, key, png, "image/png", nil); err != nil {
				return fmt.Errorf("upload page %d: %w", page, err)
			}
			if _, err := p.pages.Create(gctx, domain.Page{
				DocumentID: docID,
				Number:     page,
				PreviewKey: key,
				WidthPx:    w,
				HeightPx:   h,
			}); err != nil {
				return fmt.Errorf("persist page %d: %w", page, err)
			}
			mu.Lock()
			uploaded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A fully failed preview set means the document itself is likely
		// unrenderable; a partial set is worth another attempt.
		if uploaded == 0 {
			return fmt.Errorf("op=pipeline.previews: no previews rendered: %w: %v", domain.ErrFatal, err)
		}
		return fmt.Errorf("op=pipeline.previews: partial preview set (%d/%d): %w: %v", uploaded, pageCount, domain.ErrTransient, err)
	}
	return nil
}

func (p *Pipeline) extractTables(ctx context.Context, docID, pdfPath string, pageCount int) error {
	if p.extractor == nil {
		return nil
	}
	var tables []ExtractedTable
	err := p.timeouts.Do(ctx, "extract_tables", p.opts.ParseTimeout, func(ctx context.Context) error {
		var err error
		tables, err = p.extractor.ExtractTables(ctx, pdfPath, pageCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=pipeline.tables: %w", err)
	}
	for _, table := range tables {
		grid := gridFromCells(table.Rows, table.Columns, table.Cells)
		detection := p.detector.Detect(grid)
		validation := financial.Validate(grid)

		payload := domain.TablePayload{
			Cells:      table.Cells,
			Rows:       table.Rows,
			Columns:    table.Columns,
			Score:      detection.Score,
			Confidence: detection.Band,
			Extra: map[string]any{
				"validation":      validation,
				"requires_review": validation.RequiresReview,
			},
		}
		status := domain.ArtifactPending
		if !validation.RequiresReview && detection.Band != financial.BandLow {
			status = domain.ArtifactApproved
		}
		if _, err := p.artifacts.Create(ctx, domain.Artifact{
			DocumentID: docID,
			Kind:       domain.ArtifactTable,
			Page:       table.Page,
			Engine:     table.Engine,
			Payload:    payload,
			Status:     status,
		}); err != nil {
			return fmt.Errorf("op=pipeline.tables: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) runOCR(ctx context.Context, docID, provider, pdfPath string) error {
	cells, used, err := p.ocr.Extract(ctx, provider, pdfPath, p.opts.ParseTimeout)
	if err != nil {
		return fmt.Errorf("op=pipeline.ocr: %w", err)
	}
	byPage := map[int][]domain.TableCell{}
	for _, c := range cells {
		byPage[c.Page] = append(byPage[c.Page], domain.TableCell{
			Row:          c.Row,
			Column:       c.Column,
			Text:         c.Text,
			IsNumeric:    c.IsNumeric,
			NumericValue: c.NumericValue,
		})
	}
	for page, pageCells := range byPage {
		if _, err := p.artifacts.Create(ctx, domain.Artifact{
			DocumentID: docID,
			Kind:       domain.ArtifactOCR,
			Page:       page,
			Engine:     used,
			Payload:    domain.OCRPayload{Provider: used, Cells: pageCells},
		}); err != nil {
			return fmt.Errorf("op=pipeline.ocr: %w", err)
		}
	}
	return nil
}

// fail runs the failure path: finalize cost, flip the document, and emit the
// audit ERROR. Retriable failures park the document in RETRYING instead.
func (p *Pipeline) fail(ctx context.Context, env domain.JobEnvelope, docID, costID string, runErr error, logger *slog.Logger) {
	if costID != "" {
		if err := p.ledger.Complete(ctx, costID, false); err != nil {
			logger.Warn("cost failure finalization failed", slog.Any("error", err))
		}
	}

	ev := EventFatal
	msg := runErr.Error()
	switch {
	case errors.Is(runErr, domain.ErrJobCancelled):
		ev = EventCancel
		msg = "cancelled"
	case domain.Retriable(runErr):
		ev = EventRetriable
	}
	if err := p.transition(ctx, docID, domain.DocProcessing, ev, msg, map[string]any{"job_id": env.JobID}); err != nil {
		logger.Warn("failure transition not applied", slog.Any("error", err))
	}
	p.auditEvent(ctx, env, domain.AuditError, map[string]any{"error": msg})
}

func (p *Pipeline) pickProvider(pageCount int) string {
	if p.opts.OCRProviderMode == "auto" {
		return ocr.Select("auto", ocr.Traits{PageCount: pageCount})
	}
	if p.opts.OCRProvider != "" {
		return p.opts.OCRProvider
	}
	return ocr.ProviderAzure
}

func (p *Pipeline) report(ctx context.Context, env domain.JobEnvelope, progress float64, msg string) {
	if err := p.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
		JobID:      env.JobID,
		State:      domain.StateProcessing,
		Progress:   progress,
		Message:    msg,
		Priority:   env.Priority,
		DocumentID: env.DocumentID,
	}); err != nil {
		p.logger.Debug("progress write failed", slog.Any("error", err))
	}
}

func (p *Pipeline) auditEvent(ctx context.Context, env domain.JobEnvelope, eventType string, meta map[string]any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Add(ctx, domain.AuditEvent{
		JobID:     env.JobID,
		EventType: eventType,
		UserID:    env.UserID,
		Metadata:  meta,
	}); err != nil {
		p.logger.Warn("audit event not recorded",
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}

// gridFromCells lays cells out row-major for the detector and validator.
func gridFromCells(rows, cols int, cells []domain.TableCell) [][]string {
	for _, c := range cells {
		if c.Row >= rows {
			rows = c.Row + 1
		}
		if c.Column >= cols {
			cols = c.Column + 1
		}
	}
	grid := make([][]string, rows)
	for r := range grid {
		grid[r] = make([]string, cols)
	}
	for _, c := range cells {
		if c.Row >= 0 && c.Column >= 0 {
			grid[c.Row][c.Column] = c.Text
		}
	}
	return grid
}
