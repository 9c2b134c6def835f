package ocr

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

type stubProvider struct {
	name      string
	available bool
	cells     []Cell
	errs      []error
	calls     int
}

func (s *stubProvider) Extract(context.Context, string, int, time.Duration) ([]Cell, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.cells, nil
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Available() bool { return s.available }

type pageCounter struct{ pages int }

func (p pageCounter) Render(context.Context, string, int) ([]byte, int, int, error) {
	return nil, 0, 0, errors.New("not implemented")
}

func (p pageCounter) PageCount(context.Context, string) (int, error) { return p.pages, nil }

func TestSelect(t *testing.T) {
	cases := []struct {
		name   string
		mode   string
		traits Traits
		want   string
	}{
		{"explicit mode wins", "textract", Traits{CostSensitive: true}, ProviderTextract},
		{"preferred provider honored", "auto", Traits{Preferred: ProviderTesseract, RasterRatio: 0.9}, ProviderTesseract},
		{"invalid preferred ignored", "auto", Traits{Preferred: "gcp"}, ProviderAzure},
		{"cost sensitive goes local", "auto", Traits{CostSensitive: true, RasterRatio: 0.9}, ProviderTesseract},
		{"offline goes local", "auto", Traits{Offline: true}, ProviderTesseract},
		{"long text-heavy goes local", "auto", Traits{PageCount: 40, RasterRatio: 0.44}, ProviderTesseract},
		{"long but rasterized not local", "auto", Traits{PageCount: 40, RasterRatio: 0.45}, ProviderTextract},
		{"heavy raster goes textract", "auto", Traits{RasterRatio: 0.6}, ProviderTextract},
		{"merged tables go azure", "auto", Traits{TableMerges: 2, RasterRatio: 0.5}, ProviderAzure},
		{"form-like goes azure", "auto", Traits{FormLike: true}, ProviderAzure},
		{"moderate raster goes textract", "auto", Traits{RasterRatio: 0.4}, ProviderTextract},
		{"default goes azure", "auto", Traits{}, ProviderAzure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Select(tc.mode, tc.traits))
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	azure := &stubProvider{name: ProviderAzure, available: false}
	textract := &stubProvider{name: ProviderTextract, available: true}
	tesseract := &stubProvider{name: ProviderTesseract, available: true}
	reg := NewRegistry(azure, textract, tesseract)

	t.Run("available provider resolves directly", func(t *testing.T) {
		p, err := reg.Resolve(ProviderTextract)
		require.NoError(t, err)
		assert.Equal(t, ProviderTextract, p.Name())
	})

	t.Run("unavailable provider falls through the chain", func(t *testing.T) {
		p, err := reg.Resolve(ProviderAzure)
		require.NoError(t, err)
		assert.Equal(t, ProviderTextract, p.Name())
	})

	t.Run("nothing available fails fatally", func(t *testing.T) {
		empty := NewRegistry(&stubProvider{name: ProviderAzure})
		_, err := empty.Resolve(ProviderAzure)
		assert.ErrorIs(t, err, domain.ErrFatal)
	})
}

func newRuntime(t *testing.T, provider *stubProvider, pages int) *Runtime {
	t.Helper()
	r := NewRuntime(NewRegistry(provider), pageCounter{pages: pages}, RuntimeOptions{
		MaxPages:        200,
		MaxRetries:      2,
		MaxSleep:        10 * time.Second,
		BreakerRecovery: time.Hour,
	}, slog.Default())
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRuntimeExtractSuccess(t *testing.T) {
	p := &stubProvider{name: ProviderAzure, available: true, cells: []Cell{{Page: 1, Text: "Revenue"}}}
	r := newRuntime(t, p, 3)

	cells, used, err := r.Extract(context.Background(), ProviderAzure, "/tmp/doc.pdf", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, used)
	require.Len(t, cells, 1)
	assert.Equal(t, "Revenue", cells[0].Text)
}

func TestRuntimeRetriesThrottle(t *testing.T) {
	p := &stubProvider{
		name: ProviderAzure, available: true,
		cells: []Cell{{Page: 1}},
		errs: []error{
			&ThrottleError{Provider: ProviderAzure, RetryAfter: 2 * time.Second},
			&ThrottleError{Provider: ProviderAzure},
		},
	}
	r := newRuntime(t, p, 1)

	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, _, err := r.Extract(context.Background(), ProviderAzure, "/tmp/doc.pdf", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
	require.Len(t, waits, 2)
	assert.Equal(t, 2*time.Second, waits[0], "retry-after beats backoff base")
	assert.Equal(t, 2*time.Second, waits[1], "backoff doubles past retry-after")
}

func TestRuntimeThrottleExhaustion(t *testing.T) {
	p := &stubProvider{
		name: ProviderAzure, available: true,
		errs: []error{
			&ThrottleError{Provider: ProviderAzure},
			&ThrottleError{Provider: ProviderAzure},
			&ThrottleError{Provider: ProviderAzure},
		},
	}
	r := newRuntime(t, p, 1)
	_, _, err := r.Extract(context.Background(), ProviderAzure, "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, domain.ErrThrottled)
	assert.Equal(t, 3, p.calls)
}

func TestRuntimeFailsFastOnNonThrottle(t *testing.T) {
	p := &stubProvider{name: ProviderAzure, available: true, errs: []error{errors.New("bad pdf")}}
	r := newRuntime(t, p, 1)
	_, _, err := r.Extract(context.Background(), ProviderAzure, "/tmp/doc.pdf", time.Minute)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestRuntimePreflightPageLimit(t *testing.T) {
	p := &stubProvider{name: ProviderAzure, available: true}
	r := newRuntime(t, p, 500)
	_, _, err := r.Extract(context.Background(), ProviderAzure, "/tmp/doc.pdf", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, p.calls, "provider never called past the page limit")
}
