package postgres

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// PageRepo persists rendered page preview rows.
type PageRepo struct{ Pool PgxPool }

// NewPageRepo constructs a PageRepo with the given pool.
func NewPageRepo(p PgxPool) *PageRepo { return &PageRepo{Pool: p} }

// Create inserts a page row and returns its generated id.
func (r *PageRepo) Create(ctx context.Context, p domain.Page) (int64, error) {
	tracer := otel.Tracer("repo.pages")
	ctx, span := tracer.Start(ctx, "pages.Create")
	defer span.End()
	q := `INSERT INTO pages (document_id, number, preview_key, width_px, height_px, created_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, p.DocumentID, p.Number, p.PreviewKey, p.WidthPx, p.HeightPx, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, mapError("page.create", err)
	}
	return id, nil
}

// ListByDocument returns all pages of a document ordered by page number.
func (r *PageRepo) ListByDocument(ctx context.Context, docID string) ([]domain.Page, error) {
	tracer := otel.Tracer("repo.pages")
	ctx, span := tracer.Start(ctx, "pages.ListByDocument")
	defer span.End()
	q := `SELECT id, document_id, number, preview_key, width_px, height_px, created_at
		FROM pages WHERE document_id=$1 ORDER BY number ASC`
	rows, err := r.Pool.Query(ctx, q, docID)
	if err != nil {
		return nil, mapError("page.list", err)
	}
	defer rows.Close()
	var out []domain.Page
	for rows.Next() {
		var p domain.Page
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Number, &p.PreviewKey, &p.WidthPx, &p.HeightPx, &p.CreatedAt); err != nil {
			return nil, mapError("page.list", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
