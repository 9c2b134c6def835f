package docsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

func writePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7 test"), 0o600))
	return path
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPageCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/pagecount", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]int{"pages": 7})
	}))
	defer srv.Close()

	n, err := New(srv.URL).PageCount(context.Background(), writePDF(t))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPageCountRejectsNonPositive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"pages": 0})
	}))
	defer srv.Close()

	_, err := New(srv.URL).PageCount(context.Background(), writePDF(t))
	assert.ErrorIs(t, err, domain.ErrFatal)
}

func TestRenderReadsDimensionsFromPNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/render", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		_, _ = w.Write(pngBytes(t, 120, 160))
	}))
	defer srv.Close()

	data, w, h, err := New(srv.URL).Render(context.Background(), writePDF(t), 3)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, 120, w)
	assert.Equal(t, 160, h)
}

func TestRenderRejectsNonPNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	_, _, _, err := New(srv.URL).Render(context.Background(), writePDF(t), 1)
	assert.ErrorIs(t, err, domain.ErrFatal)
}

func TestExtractTables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tables", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("max_pages"))
		_, _ = w.Write([]byte(`[{"page":1,"engine":"camelot","rows":2,"columns":2,
			"cells":[{"row":0,"column":0,"text":"Revenue"},
			         {"row":0,"column":1,"text":"100","is_numeric":true,"numeric_value":100}]}]`))
	}))
	defer srv.Close()

	tables, err := New(srv.URL).ExtractTables(context.Background(), writePDF(t), 5)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "camelot", tables[0].Engine)
	require.Len(t, tables[0].Cells, 2)
	assert.True(t, tables[0].Cells[1].IsNumeric)
	assert.Equal(t, 100.0, tables[0].Cells[1].NumericValue)
}

func TestNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-raw"), body)
		_, _ = w.Write([]byte("%PDF-canonical"))
	}))
	defer srv.Close()

	out, err := New(srv.URL).Normalize(context.Background(), []byte("%PDF-raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-canonical"), out)
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrThrottled},
		{http.StatusBadGateway, domain.ErrTransient},
		{http.StatusUnprocessableEntity, domain.ErrFatal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := New(srv.URL).Normalize(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := New(srv.URL).Normalize(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}
