package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// DocumentRepo persists and loads documents.
type DocumentRepo struct{ Pool PgxPool }

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

const documentColumns = `id, object_key, filename, content_type, size_bytes,
	sha256_raw, sha256_canonical, status, COALESCE(error,''),
	cancellation_requested, deletion_manifest, created_at, updated_at`

// Create inserts a new document and returns its id (generates one if empty).
// A duplicate object key maps to the already-exists sentinel.
func (r *DocumentRepo) Create(ctx context.Context, d domain.Document) (string, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "documents"),
	)
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := d.Status
	if status == "" {
		status = domain.DocUploaded
	}
	manifest, err := marshalManifest(d.DeletionManifest)
	if err != nil {
		return "", err
	}
	q := `INSERT INTO documents
		(id, object_key, filename, content_type, size_bytes, sha256_raw, sha256_canonical,
		 status, error, cancellation_requested, deletion_manifest, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	now := time.Now().UTC()
	_, err = r.Pool.Exec(ctx, q, id, d.ObjectKey, d.Filename, d.ContentType, d.SizeBytes,
		d.SHA256Raw, d.SHA256Canonical, status, d.Error, d.CancellationRequested, manifest, now, now)
	if err != nil {
		return "", mapError("document.create", err)
	}
	return id, nil
}

// Get loads a document by id.
func (r *DocumentRepo) Get(ctx context.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1`
	return r.scanOne(ctx, q, id, "document.get")
}

// GetByObjectKey loads a document by its unique object-store key.
func (r *DocumentRepo) GetByObjectKey(ctx context.Context, key string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.GetByObjectKey")
	defer span.End()
	q := `SELECT ` + documentColumns + ` FROM documents WHERE object_key=$1`
	return r.scanOne(ctx, q, key, "document.get_by_key")
}

func (r *DocumentRepo) scanOne(ctx context.Context, q, arg, op string) (domain.Document, error) {
	row := r.Pool.QueryRow(ctx, q, arg)
	var d domain.Document
	var manifest []byte
	if err := row.Scan(&d.ID, &d.ObjectKey, &d.Filename, &d.ContentType, &d.SizeBytes,
		&d.SHA256Raw, &d.SHA256Canonical, &d.Status, &d.Error,
		&d.CancellationRequested, &manifest, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Document{}, mapError(op, err)
	}
	m, err := unmarshalManifest(manifest)
	if err != nil {
		return domain.Document{}, err
	}
	d.DeletionManifest = m
	return d, nil
}

// UpdateStatus updates a document's status and optional error message.
func (r *DocumentRepo) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.UpdateStatus")
	defer span.End()
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	q := `UPDATE documents SET status=$2, error=$3, updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC())
	if err != nil {
		return mapError("document.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// SetCancellationRequested flags the document for cooperative cancellation.
func (r *DocumentRepo) SetCancellationRequested(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetCancellationRequested")
	defer span.End()
	q := `UPDATE documents SET cancellation_requested=TRUE, updated_at=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return mapError("document.set_cancel", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.set_cancel: %w", domain.ErrNotFound)
	}
	return nil
}

// SetDeletionManifest persists the deletion manifest (nil clears it).
func (r *DocumentRepo) SetDeletionManifest(ctx context.Context, id string, m *domain.DeletionManifest) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.SetDeletionManifest")
	defer span.End()
	manifest, err := marshalManifest(m)
	if err != nil {
		return err
	}
	q := `UPDATE documents SET deletion_manifest=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, manifest, time.Now().UTC())
	if err != nil {
		return mapError("document.set_manifest", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.set_manifest: %w", domain.ErrNotFound)
	}
	return nil
}

// ListWithManifests returns documents that still carry a deletion manifest,
// oldest first, for the deletion sweeper to re-drive.
func (r *DocumentRepo) ListWithManifests(ctx context.Context, limit int) ([]domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.ListWithManifests")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + documentColumns + ` FROM documents
		WHERE deletion_manifest IS NOT NULL ORDER BY updated_at ASC LIMIT $1`
	return r.list(ctx, q, "document.list_manifests", limit)
}

// ListByStatus pages documents in a given status ordered by updated_at.
func (r *DocumentRepo) ListByStatus(ctx context.Context, status domain.DocumentStatus, offset, limit int) ([]domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.ListByStatus")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + documentColumns + ` FROM documents
		WHERE status=$1 ORDER BY updated_at ASC OFFSET $2 LIMIT $3`
	return r.list(ctx, q, "document.list_by_status", status, offset, limit)
}

func (r *DocumentRepo) list(ctx context.Context, q, op string, args ...any) ([]domain.Document, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		var manifest []byte
		if err := rows.Scan(&d.ID, &d.ObjectKey, &d.Filename, &d.ContentType, &d.SizeBytes,
			&d.SHA256Raw, &d.SHA256Canonical, &d.Status, &d.Error,
			&d.CancellationRequested, &manifest, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, mapError(op, err)
		}
		m, err := unmarshalManifest(manifest)
		if err != nil {
			return nil, err
		}
		d.DeletionManifest = m
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes the document row. Pages, events, and artifacts cascade.
func (r *DocumentRepo) Delete(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return mapError("document.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=document.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func marshalManifest(m *domain.DeletionManifest) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("op=document.manifest_marshal: %w", err)
	}
	return b, nil
}

func unmarshalManifest(b []byte) (*domain.DeletionManifest, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m domain.DeletionManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("op=document.manifest_unmarshal: %w", err)
	}
	return &m, nil
}
