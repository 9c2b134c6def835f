package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// AuditRepo writes batched audit events. Duplicate idempotency keys collapse
// silently via ON CONFLICT DO NOTHING.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// InsertBatch writes events in a single multi-row INSERT and returns the
// number of rows actually persisted (duplicates excluded).
func (r *AuditRepo) InsertBatch(ctx context.Context, events []domain.AuditEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.InsertBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("audit.batch_size", len(events)))

	const cols = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_events
		(id, job_id, event_type, user_id, ip, trace_id, idempotency_key, metadata, created_at) VALUES `)
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * cols
		sb.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")

		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("op=audit.insert_batch: %w", err)
		}
		ts := e.CreatedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		args = append(args, id, e.JobID, e.EventType, e.UserID, e.IP, e.TraceID, e.IdempotencyKey, meta, ts)
	}
	sb.WriteString(" ON CONFLICT (idempotency_key) DO NOTHING")

	tag, err := r.Pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, mapError("audit.insert_batch", err)
	}
	return int(tag.RowsAffected()), nil
}
