package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/domain"
)

const defaultKeepalive = 15 * time.Second

// StreamEventsHandler streams progress snapshots for one job over SSE.
// GET /v1/jobs/{id}/events
//
// The subscription opens before the stored snapshot is replayed, so a
// snapshot published between the two is delivered live rather than lost.
func (s *Server) StreamEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("streaming unsupported by connection"), nil)
			return
		}
		keepalive := time.Duration(s.Cfg.KeepaliveSeconds) * time.Second
		if keepalive <= 0 || keepalive > defaultKeepalive {
			keepalive = defaultKeepalive
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-P95-JOB-MS", fmt.Sprintf("%d", s.Progress.P95HintMS(r.Context(), s.Cfg.SSEEdgeBudgetMS)))
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := s.Store.Subscribe(r.Context(), redisstore.ProgressChannel)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()

		// Catch-up: replay the stored snapshot before draining live messages.
		if snap, found, err := s.Progress.Snapshot(r.Context(), jobID); err == nil && found {
			writeProgressEvent(w, flusher, snap)
		} else if err != nil {
			LoggerFrom(r).Warn("snapshot catch-up failed",
				slog.String("job_id", jobID),
				slog.Any("error", err))
		}

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				var snap domain.ProgressSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				if snap.JobID != jobID {
					continue
				}
				writeProgressEvent(w, flusher, snap)
				ticker.Reset(keepalive)
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeProgressEvent(w http.ResponseWriter, flusher http.Flusher, snap domain.ProgressSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
	flusher.Flush()
}
