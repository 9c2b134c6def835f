// Package ocr abstracts the external OCR providers behind a single extract
// interface, picks a provider from document traits, and executes calls under
// a per-provider token bucket and circuit breaker.
package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// Provider names.
const (
	ProviderAzure     = "azure"
	ProviderTextract  = "textract"
	ProviderTesseract = "tesseract"
)

// FallbackOrder is consulted when a selected provider lacks credentials.
var FallbackOrder = []string{ProviderAzure, ProviderTextract, ProviderTesseract}

// Cell is one recognized table cell.
type Cell struct {
	Page         int     `json:"page"`
	Row          int     `json:"row"`
	Column       int     `json:"column"`
	Text         string  `json:"text"`
	IsNumeric    bool    `json:"is_numeric"`
	NumericValue float64 `json:"numeric_value,omitempty"`
}

// Provider is implemented by each OCR backend.
type Provider interface {
	// Extract runs OCR over at most maxPages pages of the document.
	Extract(ctx context.Context, docPath string, maxPages int, timeout time.Duration) ([]Cell, error)
	// Name returns the provider identifier.
	Name() string
	// Available reports whether the provider has usable credentials.
	Available() bool
}

// ThrottleError is returned by providers on rate-limit responses; RetryAfter
// carries the provider's suggested wait when present.
type ThrottleError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("provider %s throttled, retry after %s", e.Provider, e.RetryAfter)
}

func (e *ThrottleError) Unwrap() error { return domain.ErrThrottled }

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry indexes the given providers by name.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the named provider if registered.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve returns the named provider when it is available, otherwise walks
// the fallback chain. Tesseract closes the chain: it runs locally and needs
// no credentials, so resolution only fails when it was never registered.
func (r *Registry) Resolve(name string) (Provider, error) {
	if p, ok := r.providers[name]; ok && p.Available() {
		return p, nil
	}
	for _, fallback := range FallbackOrder {
		if fallback == name {
			continue
		}
		if p, ok := r.providers[fallback]; ok && p.Available() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("op=ocr.Resolve: no available provider for %q: %w", name, domain.ErrFatal)
}
