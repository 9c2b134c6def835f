package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// ArtifactRepo persists extractor outputs with tagged JSON payloads.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// Create inserts an artifact and returns its id (generates one if empty).
func (r *ArtifactRepo) Create(ctx context.Context, a domain.Artifact) (string, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := a.Status
	if status == "" {
		status = domain.ArtifactPending
	}
	payload, err := domain.MarshalPayload(a.Payload)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	q := `INSERT INTO artifacts (id, document_id, kind, page, engine, payload, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := r.Pool.Exec(ctx, q, id, a.DocumentID, a.Kind, a.Page, a.Engine, payload, status, now, now); err != nil {
		return "", mapError("artifact.create", err)
	}
	return id, nil
}

// Get loads an artifact by id.
func (r *ArtifactRepo) Get(ctx context.Context, id string) (domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()
	q := `SELECT id, document_id, kind, page, engine, payload, status, created_at, updated_at
		FROM artifacts WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var a domain.Artifact
	var payload []byte
	if err := row.Scan(&a.ID, &a.DocumentID, &a.Kind, &a.Page, &a.Engine, &payload, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Artifact{}, mapError("artifact.get", err)
	}
	p, err := domain.UnmarshalPayload(payload)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.Payload = p
	return a, nil
}

// ListByDocument returns all artifacts of a document ordered by page.
func (r *ArtifactRepo) ListByDocument(ctx context.Context, docID string) ([]domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListByDocument")
	defer span.End()
	q := `SELECT id, document_id, kind, page, engine, payload, status, created_at, updated_at
		FROM artifacts WHERE document_id=$1 ORDER BY page ASC, created_at ASC`
	rows, err := r.Pool.Query(ctx, q, docID)
	if err != nil {
		return nil, mapError("artifact.list", err)
	}
	defer rows.Close()
	var out []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var payload []byte
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Kind, &a.Page, &a.Engine, &payload, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, mapError("artifact.list", err)
		}
		p, err := domain.UnmarshalPayload(payload)
		if err != nil {
			return nil, err
		}
		a.Payload = p
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus moves an artifact through the review lifecycle.
func (r *ArtifactRepo) UpdateStatus(ctx context.Context, id string, status domain.ArtifactStatus) error {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.UpdateStatus")
	defer span.End()
	q := `UPDATE artifacts SET status=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return mapError("artifact.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=artifact.update_status: %w", domain.ErrNotFound)
	}
	return nil
}
