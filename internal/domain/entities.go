// Package domain holds the core entities, the error taxonomy, and the ports
// implemented by adapters. It stays free of adapter imports.
package domain

import (
	"context"
	"time"
)

// DocumentStatus enumerates the document lifecycle.
type DocumentStatus string

const (
	DocUploaded   DocumentStatus = "UPLOADED"
	DocProcessing DocumentStatus = "PROCESSING"
	DocCompleted  DocumentStatus = "COMPLETED"
	DocFailed     DocumentStatus = "FAILED"
	DocRetrying   DocumentStatus = "RETRYING"
)

// Document is the unit of ingestion.
// Invariants: ObjectKey unique among documents; every status transition
// writes exactly one processing event with a matching kind.
type Document struct {
	ID                    string
	ObjectKey             string
	Filename              string
	ContentType           string
	SizeBytes             int64
	SHA256Raw             string
	SHA256Canonical       *string
	Status                DocumentStatus
	Error                 string
	CancellationRequested bool
	DeletionManifest      *DeletionManifest
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Page is an immutable rendered page preview record.
type Page struct {
	ID         int64
	DocumentID string
	Number     int // 1-based
	PreviewKey string
	WidthPx    int
	HeightPx   int
	CreatedAt  time.Time
}

// ArtifactKind enumerates extractor outputs.
type ArtifactKind string

const (
	ArtifactTable  ArtifactKind = "table"
	ArtifactOCR    ArtifactKind = "ocr"
	ArtifactFigure ArtifactKind = "figure"
)

// ArtifactStatus enumerates the review lifecycle of an artifact.
type ArtifactStatus string

const (
	ArtifactPending  ArtifactStatus = "pending"
	ArtifactReviewed ArtifactStatus = "reviewed"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactRejected ArtifactStatus = "rejected"
)

// Artifact is one extractor output for a document page.
type Artifact struct {
	ID         string
	DocumentID string
	Kind       ArtifactKind
	Page       int
	Engine     string
	Payload    ArtifactPayload
	Status     ArtifactStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProcessingEvent is an append-only audit row per document.
type ProcessingEvent struct {
	ID         int64
	DocumentID string
	Kind       string
	Message    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Priority selects which queue a job lands on.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// ValidPriority reports whether p names a live priority queue.
func ValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityDefault || p == PriorityLow
}

// JobEnvelope is the serialized payload describing one unit of work on a
// priority queue.
// Invariant: RetryCount <= MaxRetries at all times; when a retry would
// exceed MaxRetries the envelope is routed to the dead-letter queue.
type JobEnvelope struct {
	JobID         string   `json:"job_id"`
	DocumentID    string   `json:"document_id"`
	Priority      Priority `json:"priority"`
	UserID        string   `json:"user_id,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	SchemaVersion int      `json:"schema_version"`
	WorkerVersion string   `json:"worker_version"`
	P95HintMS     int64    `json:"p95_hint_ms,omitempty"`
	ContentHashes []string `json:"content_hashes,omitempty"`
	RetryCount    int      `json:"retry_count"`
	MaxRetries    int      `json:"max_retries"`
	DLQ           string   `json:"dlq"`
	FailedReason  string   `json:"failed_reason,omitempty"`
}

// JobState enumerates progress-snapshot states.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateStarting   JobState = "starting"
	StateProcessing JobState = "processing"
	StateRetrying   JobState = "retrying"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

// Terminal reports whether s ends a job run. Terminal snapshots are monotone:
// once written, no non-terminal snapshot may overwrite them.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ProgressSnapshot is the durable, published progress record for a job.
// Wire format per the queue store layout: state, progress in [0,1], and an
// optional duration emitted on terminal states.
type ProgressSnapshot struct {
	JobID       string   `json:"job_id"`
	State       JobState `json:"state"`
	Progress    float64  `json:"progress"`
	Message     string   `json:"message,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	DurationSec *float64 `json:"duration,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	DocumentID  string   `json:"document_id,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// AuditEvent is an append-only operational audit record. Rows with equal
// idempotency keys collapse to a single persisted row.
type AuditEvent struct {
	ID             string
	JobID          string
	EventType      string
	UserID         string
	IP             string
	TraceID        string
	IdempotencyKey string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Audit event types emitted by the pipeline.
const (
	AuditEnqueued          = "ENQUEUED"
	AuditExtracted         = "EXTRACTED"
	AuditExported          = "EXPORTED"
	AuditError             = "ERROR"
	AuditDeletionCompleted = "DELETION_COMPLETED"
)

// CostStatus enumerates cost record states.
type CostStatus string

const (
	CostPending   CostStatus = "PENDING"
	CostCompleted CostStatus = "COMPLETED"
	CostFailed    CostStatus = "FAILED"
)

// CostRecord tracks billable OCR spend for one job.
// Invariant: CostCents = Pages x per-page rate.
type CostRecord struct {
	ID          string
	JobID       string
	UserID      string
	Provider    string
	Pages       int
	CostCents   int64
	Status      CostStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// DeletionStatus enumerates deletion-manifest states.
type DeletionStatus string

const (
	DeletionPending   DeletionStatus = "PENDING"
	DeletionDeleting  DeletionStatus = "DELETING"
	DeletionCompleted DeletionStatus = "COMPLETED"
	DeletionFailed    DeletionStatus = "FAILED"
)

// ArtifactRef names one stored object to remove during erasure.
type ArtifactRef struct {
	Type   string `json:"type"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// DeletionManifest is embedded in the document row and re-driven by the
// deletion sweeper until it empties or fails permanently.
type DeletionManifest struct {
	Artifacts   []ArtifactRef  `json:"artifacts"`
	Status      DeletionStatus `json:"status"`
	LastAttempt time.Time      `json:"last_attempt"`
	Attempts    int            `json:"attempts"`
}

// Repositories (ports).

type DocumentRepository interface {
	Create(ctx context.Context, d Document) (string, error)
	Get(ctx context.Context, id string) (Document, error)
	GetByObjectKey(ctx context.Context, key string) (Document, error)
	UpdateStatus(ctx context.Context, id string, status DocumentStatus, errMsg *string) error
	SetCancellationRequested(ctx context.Context, id string) error
	SetDeletionManifest(ctx context.Context, id string, m *DeletionManifest) error
	ListWithManifests(ctx context.Context, limit int) ([]Document, error)
	ListByStatus(ctx context.Context, status DocumentStatus, offset, limit int) ([]Document, error)
	Delete(ctx context.Context, id string) error
}

type PageRepository interface {
	Create(ctx context.Context, p Page) (int64, error)
	ListByDocument(ctx context.Context, docID string) ([]Page, error)
}

type ArtifactRepository interface {
	Create(ctx context.Context, a Artifact) (string, error)
	Get(ctx context.Context, id string) (Artifact, error)
	ListByDocument(ctx context.Context, docID string) ([]Artifact, error)
	UpdateStatus(ctx context.Context, id string, status ArtifactStatus) error
}

type EventRepository interface {
	Append(ctx context.Context, e ProcessingEvent) error
	ListByDocument(ctx context.Context, docID string) ([]ProcessingEvent, error)
}

type CostRepository interface {
	Insert(ctx context.Context, r CostRecord) (string, error)
	Complete(ctx context.Context, id string, success bool) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]CostRecord, error)
	DeleteByJob(ctx context.Context, jobID string) error
}

type AuditRepository interface {
	InsertBatch(ctx context.Context, events []AuditEvent) (int, error)
}

// Capability interfaces invoked by the core; implementations live outside
// this repository (rasterizer, normalizer, extraction engines).

// PageRenderer rasterizes PDF pages for previews and perceptual hashing.
type PageRenderer interface {
	// Render returns PNG bytes and pixel dimensions for the 1-based page.
	Render(ctx context.Context, pdfPath string, page int) (png []byte, w, h int, err error)
	// PageCount reports the number of pages in the document.
	PageCount(ctx context.Context, pdfPath string) (int, error)
}

// PDFNormalizer produces a canonical PDF: deterministic object ordering with
// volatile metadata stripped.
type PDFNormalizer interface {
	Normalize(ctx context.Context, raw []byte) ([]byte, error)
}
