// Package docsvc is an HTTP client for the document toolchain sidecar that
// hosts the rasterizer, the PDF canonicalizer, and the table extraction
// engines. The sidecar exposes PUT endpoints taking raw PDF bytes; this
// client implements the capability interfaces the core consumes.
package docsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/job"
)

const defaultBaseURL = "http://localhost:9998"

// Client talks to the sidecar. It satisfies domain.PageRenderer,
// domain.PDFNormalizer, and job.TableExtractor.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a client. An empty baseURL falls back to the local sidecar.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// PageCount asks the sidecar for the number of pages in the PDF at path.
func (c *Client) PageCount(ctx context.Context, pdfPath string) (int, error) {
	raw, err := os.ReadFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("op=docsvc.PageCount: %w: %v", domain.ErrFatal, err)
	}
	body, err := c.put(ctx, "/pagecount", nil, raw)
	if err != nil {
		return 0, fmt.Errorf("op=docsvc.PageCount: %w", err)
	}
	var out struct {
		Pages int `json:"pages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("op=docsvc.PageCount: decode: %w: %v", domain.ErrFatal, err)
	}
	if out.Pages <= 0 {
		return 0, fmt.Errorf("op=docsvc.PageCount: sidecar reported %d pages: %w", out.Pages, domain.ErrFatal)
	}
	return out.Pages, nil
}

// Render rasterizes the 1-based page to PNG. Dimensions are read back from
// the PNG header rather than trusted from response headers.
func (c *Client) Render(ctx context.Context, pdfPath string, page int) ([]byte, int, int, error) {
	raw, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("op=docsvc.Render: %w: %v", domain.ErrFatal, err)
	}
	q := url.Values{"page": []string{strconv.Itoa(page)}}
	body, err := c.put(ctx, "/render", q, raw)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("op=docsvc.Render: page %d: %w", page, err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("op=docsvc.Render: page %d: not a PNG: %w: %v", page, domain.ErrFatal, err)
	}
	return body, cfg.Width, cfg.Height, nil
}

// Normalize returns the canonical form of the PDF: deterministic object
// ordering with volatile metadata stripped.
func (c *Client) Normalize(ctx context.Context, raw []byte) ([]byte, error) {
	body, err := c.put(ctx, "/normalize", nil, raw)
	if err != nil {
		return nil, fmt.Errorf("op=docsvc.Normalize: %w", err)
	}
	return body, nil
}

type tableCell struct {
	Row          int     `json:"row"`
	Column       int     `json:"column"`
	Text         string  `json:"text"`
	IsNumeric    bool    `json:"is_numeric"`
	NumericValue float64 `json:"numeric_value"`
}

type tableResult struct {
	Page    int         `json:"page"`
	Engine  string      `json:"engine"`
	Rows    int         `json:"rows"`
	Columns int         `json:"columns"`
	Cells   []tableCell `json:"cells"`
}

// ExtractTables runs the sidecar's extraction engines over the document.
func (c *Client) ExtractTables(ctx context.Context, pdfPath string, maxPages int) ([]job.ExtractedTable, error) {
	raw, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("op=docsvc.ExtractTables: %w: %v", domain.ErrFatal, err)
	}
	q := url.Values{"max_pages": []string{strconv.Itoa(maxPages)}}
	body, err := c.put(ctx, "/tables", q, raw)
	if err != nil {
		return nil, fmt.Errorf("op=docsvc.ExtractTables: %w", err)
	}
	var results []tableResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("op=docsvc.ExtractTables: decode: %w: %v", domain.ErrFatal, err)
	}
	tables := make([]job.ExtractedTable, 0, len(results))
	for _, r := range results {
		cells := make([]domain.TableCell, 0, len(r.Cells))
		for _, cell := range r.Cells {
			cells = append(cells, domain.TableCell{
				Row:          cell.Row,
				Column:       cell.Column,
				Text:         cell.Text,
				IsNumeric:    cell.IsNumeric,
				NumericValue: cell.NumericValue,
			})
		}
		tables = append(tables, job.ExtractedTable{
			Page:    r.Page,
			Engine:  r.Engine,
			Rows:    r.Rows,
			Columns: r.Columns,
			Cells:   cells,
		})
	}
	return tables, nil
}

// put performs the request and classifies failures: network and 5xx errors
// are transient, 429 is throttled, remaining 4xx are fatal.
func (c *Client) put(ctx context.Context, path string, q url.Values, body []byte) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("sidecar throttled: %w", domain.ErrThrottled)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("sidecar status %d: %w", resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("sidecar status %d: %w", resp.StatusCode, domain.ErrFatal)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return out, nil
}
