package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/config"
	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/job"
	"github.com/fairyhunter13/docpipe/internal/queue/redisq"
)

// AuditSink receives operational audit events from handlers.
type AuditSink interface {
	Add(ctx context.Context, e domain.AuditEvent) error
}

// DedupGate screens a document for near-duplicate content before it is
// enqueued, returning the id of the matching document when one exists.
type DedupGate interface {
	Check(ctx context.Context, doc domain.Document) (string, bool, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Docs       domain.DocumentRepository
	Artifacts  domain.ArtifactRepository
	Dispatcher *redisq.Dispatcher
	Progress   *redisq.Publisher
	Store      *redisstore.Client
	Deleter    *job.Deleter
	Dedup      DedupGate
	Audit      AuditSink
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// ProcessHandler enqueues a processing job for a registered document.
// POST /v1/documents/{id}/process?priority={high|default|low}
func (s *Server) ProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := s.Docs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !job.Startable(doc.Status) {
			writeError(w, r, fmt.Errorf("document in %s cannot be processed: %w", doc.Status, domain.ErrInvalidInput), nil)
			return
		}
		if s.Dedup != nil {
			dupID, dup, err := s.Dedup.Check(r.Context(), doc)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if dup {
				writeError(w, r,
					fmt.Errorf("document content matches %s: %w", dupID, domain.ErrAlreadyExists),
					map[string]string{"duplicate_of": dupID})
				return
			}
		}

		env := domain.JobEnvelope{
			DocumentID: id,
			Priority:   domain.Priority(r.URL.Query().Get("priority")),
			UserID:     r.Header.Get("X-User-Id"),
		}
		env, err = s.Dispatcher.Enqueue(r.Context(), env)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.auditEvent(r, domain.AuditEnqueued, env.JobID, map[string]any{
			"document_id": id,
			"priority":    string(env.Priority),
		})
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": env.JobID,
			"queue":  s.Cfg.QueueFor(string(env.Priority)),
		})
	}
}

// CancelHandler flags cooperative cancellation for a document's active run.
// POST /v1/documents/{id}/cancel
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.Docs.Get(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Docs.SetCancellationRequested(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("cancellation requested", slog.String("document_id", id))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation_requested"})
	}
}

// DeleteHandler starts the erasure workflow: manifest now, object removal
// asynchronously (first attempt immediately, sweeper re-drives the rest).
// DELETE /v1/documents/{id}
func (s *Server) DeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Deleter.Request(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.Deleter.Attempt(ctx, id); err != nil && !errors.Is(err, domain.ErrTransient) {
				slog.Error("deletion attempt failed",
					slog.String("document_id", id),
					slog.Any("error", err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "deletion_scheduled"})
	}
}

type artifactDTO struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Page      int             `json:"page"`
	Engine    string          `json:"engine"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ArtifactsHandler lists a document's extraction artifacts.
// GET /v1/documents/{id}/artifacts
func (s *Server) ArtifactsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.Docs.Get(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		artifacts, err := s.Artifacts.ListByDocument(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]artifactDTO, 0, len(artifacts))
		for _, a := range artifacts {
			payload, err := domain.MarshalPayload(a.Payload)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			out = append(out, artifactDTO{
				ID:        a.ID,
				Kind:      string(a.Kind),
				Page:      a.Page,
				Engine:    a.Engine,
				Status:    string(a.Status),
				Payload:   payload,
				CreatedAt: a.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
	}
}

// reviewAllowed encodes the artifact review lifecycle:
// pending -> reviewed -> approved|rejected.
func reviewAllowed(from, to domain.ArtifactStatus) bool {
	switch from {
	case domain.ArtifactPending:
		return to == domain.ArtifactReviewed || to == domain.ArtifactApproved || to == domain.ArtifactRejected
	case domain.ArtifactReviewed:
		return to == domain.ArtifactApproved || to == domain.ArtifactRejected
	}
	return false
}

// ReviewArtifactHandler updates an artifact's review status.
// POST /v1/artifacts/{id}/review with body {"status": "approved"}
func (s *Server) ReviewArtifactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidInput), nil)
			return
		}
		target := domain.ArtifactStatus(body.Status)
		switch target {
		case domain.ArtifactReviewed, domain.ArtifactApproved, domain.ArtifactRejected:
		default:
			writeError(w, r, fmt.Errorf("unknown review status %q: %w", body.Status, domain.ErrInvalidInput), nil)
			return
		}

		artifact, err := s.Artifacts.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !reviewAllowed(artifact.Status, target) {
			writeError(w, r, fmt.Errorf("cannot move artifact from %s to %s: %w", artifact.Status, target, domain.ErrInvalidInput), nil)
			return
		}
		if err := s.Artifacts.UpdateStatus(r.Context(), id, target); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(target)})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Err  string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		checks := []struct {
			name string
			fn   func(ctx context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
		}
		out := make([]check, 0, len(checks))
		ready := true
		for _, c := range checks {
			var err error
			if c.fn == nil {
				err = fmt.Errorf("%s check not configured", c.name)
			} else {
				err = c.fn(ctx)
			}
			item := check{Name: c.name, OK: err == nil}
			if err != nil {
				item.Err = err.Error()
				ready = false
			}
			out = append(out, item)
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": out})
	}
}

func (s *Server) auditEvent(r *http.Request, eventType, jobID string, meta map[string]any) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Add(r.Context(), domain.AuditEvent{
		JobID:     jobID,
		EventType: eventType,
		UserID:    r.Header.Get("X-User-Id"),
		IP:        r.RemoteAddr,
		Metadata:  meta,
	}); err != nil {
		LoggerFrom(r).Warn("audit event not recorded",
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}
