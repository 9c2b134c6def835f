package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// EventRepo appends processing events. Rows are append-only.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append writes one processing event for a document.
func (r *EventRepo) Append(ctx context.Context, e domain.ProcessingEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	q := `INSERT INTO processing_events (document_id, kind, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5)`
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := r.Pool.Exec(ctx, q, e.DocumentID, e.Kind, e.Message, meta, ts); err != nil {
		return mapError("event.append", err)
	}
	return nil
}

// ListByDocument returns a document's events oldest first.
func (r *EventRepo) ListByDocument(ctx context.Context, docID string) ([]domain.ProcessingEvent, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListByDocument")
	defer span.End()
	q := `SELECT id, document_id, kind, message, metadata, created_at
		FROM processing_events WHERE document_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, docID)
	if err != nil {
		return nil, mapError("event.list", err)
	}
	defer rows.Close()
	var out []domain.ProcessingEvent
	for rows.Next() {
		var e domain.ProcessingEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Kind, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, mapError("event.list", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("op=event.list: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
