package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

const (
	maxDeletionAttempts = 3
	deletionBackoffBase = 30 * time.Second
)

// PhashIndex removes a document from the perceptual-hash index.
type PhashIndex interface {
	Remove(ctx context.Context, docID string) error
}

// CostEraser removes cost rows for a job during erasure.
type CostEraser interface {
	Erase(ctx context.Context, jobID string) error
}

// Deleter drives the document erasure workflow: build a manifest of stored
// objects, delete them asynchronously, and remove the database rows only
// once every object is gone.
type Deleter struct {
	docs   domain.DocumentRepository
	pages  domain.PageRepository
	events domain.EventRepository
	store  ObjectStore
	costs  CostEraser
	index  PhashIndex
	audit  AuditSink
	bucket string
	logger *slog.Logger

	now func() time.Time
}

// NewDeleter wires a Deleter. index and auditSink may be nil.
func NewDeleter(docs domain.DocumentRepository, pages domain.PageRepository, events domain.EventRepository, store ObjectStore, costs CostEraser, index PhashIndex, auditSink AuditSink, bucket string, logger *slog.Logger) *Deleter {
	return &Deleter{
		docs:   docs,
		pages:  pages,
		events: events,
		store:  store,
		costs:  costs,
		index:  index,
		audit:  auditSink,
		bucket: bucket,
		logger: logger,
		now:    time.Now,
	}
}

// Request marks the document for deletion: flags cancellation if a run is in
// flight, builds the manifest of stored objects, and persists it. The actual
// object removal happens in Attempt, driven by the caller or the sweeper.
func (d *Deleter) Request(ctx context.Context, docID string) error {
	doc, err := d.docs.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("op=deleter.Request: %w", err)
	}
	if doc.Status == domain.DocProcessing || doc.Status == domain.DocRetrying {
		if err := d.docs.SetCancellationRequested(ctx, docID); err != nil {
			return fmt.Errorf("op=deleter.Request: %w", err)
		}
	}

	refs := []domain.ArtifactRef{{Type: "raw", Bucket: d.bucket, Key: doc.ObjectKey}}
	pages, err := d.pages.ListByDocument(ctx, docID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=deleter.Request: %w", err)
	}
	for _, page := range pages {
		refs = append(refs, domain.ArtifactRef{Type: "preview", Bucket: d.bucket, Key: page.PreviewKey})
	}

	manifest := &domain.DeletionManifest{
		Artifacts: refs,
		Status:    domain.DeletionPending,
	}
	if err := d.docs.SetDeletionManifest(ctx, docID, manifest); err != nil {
		return fmt.Errorf("op=deleter.Request: %w", err)
	}
	d.logger.Info("deletion requested",
		slog.String("document_id", docID),
		slog.Int("artifacts", len(refs)))
	return nil
}

// Attempt processes one deletion pass. Objects that fail to delete stay in
// the manifest for the next pass; after maxDeletionAttempts the manifest is
// marked FAILED and left for an operator.
func (d *Deleter) Attempt(ctx context.Context, docID string) error {
	doc, err := d.docs.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("op=deleter.Attempt: %w", err)
	}
	m := doc.DeletionManifest
	if m == nil {
		return nil
	}

	var remaining []domain.ArtifactRef
	for _, ref := range m.Artifacts {
		if err := d.store.Delete(ctx, ref.Key); err != nil {
			d.logger.Warn("artifact deletion failed",
				slog.String("document_id", docID),
				slog.String("key", ref.Key),
				slog.Any("error", err))
			remaining = append(remaining, ref)
		}
	}

	if len(remaining) == 0 {
		return d.finish(ctx, doc)
	}

	m.Artifacts = remaining
	m.Attempts++
	m.LastAttempt = d.now().UTC()
	m.Status = domain.DeletionDeleting
	if m.Attempts >= maxDeletionAttempts {
		m.Status = domain.DeletionFailed
		d.logger.Error("deletion exhausted retries",
			slog.String("document_id", docID),
			slog.Int("remaining", len(remaining)))
	}
	if err := d.docs.SetDeletionManifest(ctx, docID, m); err != nil {
		return fmt.Errorf("op=deleter.Attempt: %w", err)
	}
	return fmt.Errorf("op=deleter.Attempt: %d artifacts remaining: %w", len(remaining), domain.ErrTransient)
}

// finish erases database state once all objects are gone: cost rows for
// every job that touched the document, the phash index entry, then the
// document row itself (pages, events, artifacts cascade).
func (d *Deleter) finish(ctx context.Context, doc domain.Document) error {
	for _, jobID := range d.jobIDs(ctx, doc.ID) {
		if err := d.costs.Erase(ctx, jobID); err != nil {
			return fmt.Errorf("op=deleter.finish: %w", err)
		}
	}
	if d.index != nil {
		if err := d.index.Remove(ctx, doc.ID); err != nil {
			d.logger.Warn("phash index cleanup failed",
				slog.String("document_id", doc.ID),
				slog.Any("error", err))
		}
	}
	if err := d.docs.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("op=deleter.finish: %w", err)
	}
	if d.audit != nil {
		if err := d.audit.Add(ctx, domain.AuditEvent{
			JobID:     doc.ID,
			EventType: domain.AuditDeletionCompleted,
			Metadata:  map[string]any{"object_key": doc.ObjectKey},
		}); err != nil {
			d.logger.Warn("deletion audit not recorded", slog.Any("error", err))
		}
	}
	d.logger.Info("deletion completed", slog.String("document_id", doc.ID))
	return nil
}

// jobIDs collects the job ids recorded in the document's processing events.
func (d *Deleter) jobIDs(ctx context.Context, docID string) []string {
	events, err := d.events.ListByDocument(ctx, docID)
	if err != nil {
		d.logger.Warn("could not list events for cost erasure",
			slog.String("document_id", docID),
			slog.Any("error", err))
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, e := range events {
		if id, ok := e.Metadata["job_id"].(string); ok && id != "" {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Sweeper periodically re-drives documents that still carry a deletion
// manifest, honoring per-document exponential backoff between attempts.
type Sweeper struct {
	deleter  *Deleter
	docs     domain.DocumentRepository
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// NewSweeper builds a Sweeper.
func NewSweeper(deleter *Deleter, docs domain.DocumentRepository, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{deleter: deleter, docs: docs, interval: interval, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled, sweeping on the configured interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over pending manifests.
func (s *Sweeper) Sweep(ctx context.Context) {
	docs, err := s.docs.ListWithManifests(ctx, 100)
	if err != nil {
		s.logger.Error("deletion sweep listing failed", slog.Any("error", err))
		return
	}
	for _, doc := range docs {
		m := doc.DeletionManifest
		if m == nil || m.Status == domain.DeletionFailed {
			continue
		}
		if !s.due(m) {
			continue
		}
		if err := s.deleter.Attempt(ctx, doc.ID); err != nil && !errors.Is(err, domain.ErrTransient) {
			s.logger.Error("deletion attempt failed",
				slog.String("document_id", doc.ID),
				slog.Any("error", err))
		}
	}
}

// due applies exponential backoff between attempts: 30s, 60s, 120s.
func (s *Sweeper) due(m *domain.DeletionManifest) bool {
	if m.Attempts == 0 {
		return true
	}
	backoff := deletionBackoffBase * time.Duration(int64(1)<<(m.Attempts-1))
	return s.now().Sub(m.LastAttempt) >= backoff
}
