package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/config"
	"github.com/fairyhunter13/docpipe/internal/cost"
	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/job"
	"github.com/fairyhunter13/docpipe/internal/queue/redisq"
)

type memDocs struct {
	mu   sync.Mutex
	docs map[string]domain.Document
}

func newMemDocs(docs ...domain.Document) *memDocs {
	m := &memDocs{docs: map[string]domain.Document{}}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *memDocs) Create(ctx context.Context, d domain.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
	return d.ID, nil
}

func (m *memDocs) Get(ctx context.Context, id string) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *memDocs) GetByObjectKey(ctx context.Context, key string) (domain.Document, error) {
	return domain.Document{}, domain.ErrNotFound
}

func (m *memDocs) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[id]
	d.Status = status
	m.docs[id] = d
	return nil
}

func (m *memDocs) SetCancellationRequested(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.CancellationRequested = true
	m.docs[id] = d
	return nil
}

func (m *memDocs) SetDeletionManifest(ctx context.Context, id string, man *domain.DeletionManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.DeletionManifest = man
	m.docs[id] = d
	return nil
}

func (m *memDocs) ListWithManifests(ctx context.Context, limit int) ([]domain.Document, error) {
	return nil, nil
}

func (m *memDocs) ListByStatus(ctx context.Context, status domain.DocumentStatus, offset, limit int) ([]domain.Document, error) {
	return nil, nil
}

func (m *memDocs) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

type memArtifacts struct {
	mu        sync.Mutex
	artifacts map[string]domain.Artifact
}

func newMemArtifacts(artifacts ...domain.Artifact) *memArtifacts {
	m := &memArtifacts{artifacts: map[string]domain.Artifact{}}
	for _, a := range artifacts {
		m.artifacts[a.ID] = a
	}
	return m
}

func (m *memArtifacts) Create(ctx context.Context, a domain.Artifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = a
	return a.ID, nil
}

func (m *memArtifacts) Get(ctx context.Context, id string) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return domain.Artifact{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memArtifacts) ListByDocument(ctx context.Context, docID string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Artifact
	for _, a := range m.artifacts {
		if a.DocumentID == docID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memArtifacts) UpdateStatus(ctx context.Context, id string, status domain.ArtifactStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	m.artifacts[id] = a
	return nil
}

type memPages struct{ pages []domain.Page }

func (m *memPages) Create(ctx context.Context, p domain.Page) (int64, error) { return 1, nil }
func (m *memPages) ListByDocument(ctx context.Context, docID string) ([]domain.Page, error) {
	return m.pages, nil
}

type memEvents struct{}

func (memEvents) Append(ctx context.Context, e domain.ProcessingEvent) error { return nil }
func (memEvents) ListByDocument(ctx context.Context, docID string) ([]domain.ProcessingEvent, error) {
	return nil, nil
}

type memCosts struct{}

func (memCosts) Insert(ctx context.Context, r domain.CostRecord) (string, error) { return "c1", nil }
func (memCosts) Complete(ctx context.Context, id string, success bool) error     { return nil }
func (memCosts) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]domain.CostRecord, error) {
	return nil, nil
}
func (memCosts) DeleteByJob(ctx context.Context, jobID string) error { return nil }

type memStore struct {
	mu      sync.Mutex
	deleted []string
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) { return nil, domain.ErrNotFound }
func (m *memStore) Put(ctx context.Context, key string, data []byte, ct string, md map[string]string) error {
	return nil
}
func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	return nil
}

type capturedAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (c *capturedAudit) Add(ctx context.Context, e domain.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type serverFixture struct {
	mr        *miniredis.Miniredis
	store     *redisstore.Client
	docs      *memDocs
	artifacts *memArtifacts
	audit     *capturedAudit
	srv       *Server
	router    chi.Router
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.NewFromClient(rdb, "")
	progress := redisq.NewPublisher(store, time.Hour, slog.Default())
	queues := redisq.Queues{High: "high", Default: "default", Low: "low", Dead: "dead"}
	dispatcher := redisq.NewDispatcher(store, queues, 3, 2*time.Second, "test", progress, slog.Default())

	cfg := config.Config{
		HighQueue:        "high",
		DefaultQueue:     "default",
		LowQueue:         "low",
		DLQ:              "dead",
		SSEEdgeBudgetMS:  35000,
		KeepaliveSeconds: 1,
	}

	f := &serverFixture{
		mr:        mr,
		store:     store,
		docs:      newMemDocs(),
		artifacts: newMemArtifacts(),
		audit:     &capturedAudit{},
	}
	ledger := cost.NewLedger(memCosts{}, 2, 0, time.Minute, slog.Default())
	deleter := job.NewDeleter(f.docs, &memPages{}, memEvents{}, &memStore{}, ledger, nil, f.audit, "docs", slog.Default())
	f.srv = &Server{
		Cfg:        cfg,
		Docs:       f.docs,
		Artifacts:  f.artifacts,
		Dispatcher: dispatcher,
		Progress:   progress,
		Store:      store,
		Deleter:    deleter,
		Audit:      f.audit,
		DBCheck:    func(ctx context.Context) error { return nil },
		RedisCheck: store.Ping,
	}

	r := chi.NewRouter()
	r.Post("/v1/documents/{id}/process", f.srv.ProcessHandler())
	r.Post("/v1/documents/{id}/cancel", f.srv.CancelHandler())
	r.Delete("/v1/documents/{id}", f.srv.DeleteHandler())
	r.Get("/v1/documents/{id}/artifacts", f.srv.ArtifactsHandler())
	r.Post("/v1/artifacts/{id}/review", f.srv.ReviewArtifactHandler())
	r.Get("/v1/jobs/{id}/events", f.srv.StreamEventsHandler())
	r.Get("/readyz", f.srv.ReadyzHandler())
	f.router = r
	return f
}

func (f *serverFixture) do(method, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) queueLen(queue string) int {
	items, err := f.mr.List(queue)
	if err != nil {
		return 0
	}
	return len(items)
}

func TestProcessHandlerEnqueues(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocUploaded}

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/process?priority=high", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id"`)
	assert.Contains(t, rec.Body.String(), `"queue":"high"`)
	assert.Equal(t, 1, f.queueLen("high"))

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, domain.AuditEnqueued, f.audit.events[0].EventType)
}

func TestProcessHandlerUnknownPriorityDefaults(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocUploaded}

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/process?priority=urgent", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.queueLen("default"))
}

func TestProcessHandlerMissingDocument(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/v1/documents/ghost/process", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

type fakeDedupGate struct {
	duplicateOf string
	err         error
	checked     []string
}

func (g *fakeDedupGate) Check(_ context.Context, doc domain.Document) (string, bool, error) {
	g.checked = append(g.checked, doc.ID)
	if g.err != nil {
		return "", false, g.err
	}
	return g.duplicateOf, g.duplicateOf != "", nil
}

func TestProcessHandlerRejectsDuplicateContent(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-2"] = domain.Document{ID: "doc-2", ObjectKey: "raw/doc-2.pdf", Status: domain.DocUploaded}
	gate := &fakeDedupGate{duplicateOf: "doc-1"}
	f.srv.Dedup = gate

	rec := f.do(http.MethodPost, "/v1/documents/doc-2/process", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ALREADY_EXISTS")
	assert.Contains(t, rec.Body.String(), `"duplicate_of":"doc-1"`)
	assert.Equal(t, []string{"doc-2"}, gate.checked)
	assert.Zero(t, f.queueLen("default"))
	assert.Empty(t, f.audit.events)
}

func TestProcessHandlerDedupPassThrough(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocUploaded}
	f.srv.Dedup = &fakeDedupGate{}

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/process", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.queueLen("default"))
}

func TestProcessHandlerDedupFailure(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocUploaded}
	f.srv.Dedup = &fakeDedupGate{err: domain.ErrTransient}

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/process", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, f.queueLen("default"))
}

func TestProcessHandlerRejectsActiveDocument(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocProcessing}

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/process", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
}

func TestProcessHandlerEmergencyStop(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocUploaded}
	require.NoError(t, f.store.SetEmergencyStop(context.Background()))

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/process", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_HALTED")
	assert.Zero(t, f.queueLen("default"))
}

func TestCancelHandler(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocProcessing}

	rec := f.do(http.MethodPost, "/v1/documents/doc-1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	doc, err := f.docs.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, doc.CancellationRequested)
}

func TestDeleteHandlerSchedulesErasure(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", ObjectKey: "raw/doc-1.pdf", Status: domain.DocCompleted}

	rec := f.do(http.MethodDelete, "/v1/documents/doc-1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The first attempt runs asynchronously and removes the document row.
	assert.Eventually(t, func() bool {
		_, err := f.docs.Get(context.Background(), "doc-1")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestArtifactsHandler(t *testing.T) {
	f := newServerFixture(t)
	f.docs.docs["doc-1"] = domain.Document{ID: "doc-1", Status: domain.DocCompleted}
	f.artifacts.artifacts["a-1"] = domain.Artifact{
		ID:         "a-1",
		DocumentID: "doc-1",
		Kind:       domain.ArtifactTable,
		Page:       1,
		Engine:     "camelot",
		Status:     domain.ArtifactPending,
		Payload:    domain.TablePayload{Rows: 2, Columns: 2},
	}

	rec := f.do(http.MethodGet, "/v1/documents/doc-1/artifacts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"table"`)
	assert.Contains(t, rec.Body.String(), `"engine":"camelot"`)
}

func TestReviewArtifactHandler(t *testing.T) {
	f := newServerFixture(t)
	f.artifacts.artifacts["a-1"] = domain.Artifact{ID: "a-1", Status: domain.ArtifactPending}

	rec := f.do(http.MethodPost, "/v1/artifacts/a-1/review", `{"status":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	a, err := f.artifacts.Get(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ArtifactApproved, a.Status)
}

func TestReviewArtifactHandlerRejectsBackwardTransition(t *testing.T) {
	f := newServerFixture(t)
	f.artifacts.artifacts["a-1"] = domain.Artifact{ID: "a-1", Status: domain.ArtifactApproved}

	rec := f.do(http.MethodPost, "/v1/artifacts/a-1/review", `{"status":"reviewed"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewArtifactHandlerUnknownStatus(t *testing.T) {
	f := newServerFixture(t)
	f.artifacts.artifacts["a-1"] = domain.Artifact{ID: "a-1", Status: domain.ArtifactPending}

	rec := f.do(http.MethodPost, "/v1/artifacts/a-1/review", `{"status":"shredded"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyzHandler(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}

func TestReadyzHandlerFailingDependency(t *testing.T) {
	f := newServerFixture(t)
	f.mr.Close()

	rec := f.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
}

func TestMetricsHandlerAuth(t *testing.T) {
	h := MetricsHandler("admin", "secret", true)

	t.Run("no credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
	})

	t.Run("bad credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.SetBasicAuth("admin", "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("good credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("wrong path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics/extra", nil)
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMetricsHandlerOpenAccess(t *testing.T) {
	h := MetricsHandler("", "", false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
