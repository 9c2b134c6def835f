// Package ocrcli runs OCR through the locally installed tesseract binary.
// It closes the provider fallback chain: unlike the hosted providers it
// needs no credentials, only the binary on PATH.
package ocrcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/extract/financial"
	"github.com/fairyhunter13/docpipe/internal/ocr"
)

const binaryName = "tesseract"

// Tesseract implements ocr.Provider over the tesseract CLI. Pages are
// rasterized through the injected renderer before recognition.
type Tesseract struct {
	renderer domain.PageRenderer
	logger   *slog.Logger
}

// New constructs the provider. renderer must not be nil.
func New(renderer domain.PageRenderer, logger *slog.Logger) (*Tesseract, error) {
	if renderer == nil {
		return nil, fmt.Errorf("op=ocrcli.New: page renderer required: %w", domain.ErrInvalidInput)
	}
	return &Tesseract{renderer: renderer, logger: logger}, nil
}

// Name returns the provider identifier.
func (t *Tesseract) Name() string { return ocr.ProviderTesseract }

// Available reports whether the tesseract binary is on PATH.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(binaryName)
	return err == nil
}

// Extract rasterizes up to maxPages pages and recognizes each one. timeout
// bounds the whole run.
func (t *Tesseract) Extract(ctx context.Context, docPath string, maxPages int, timeout time.Duration) ([]ocr.Cell, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pageCount, err := t.renderer.PageCount(ctx, docPath)
	if err != nil {
		return nil, fmt.Errorf("op=ocrcli.Extract: %w", err)
	}
	if maxPages > 0 && pageCount > maxPages {
		pageCount = maxPages
	}

	scratch, err := os.MkdirTemp("", "ocrcli-*")
	if err != nil {
		return nil, fmt.Errorf("op=ocrcli.Extract: %w: %v", domain.ErrTransient, err)
	}
	defer os.RemoveAll(scratch)

	var cells []ocr.Cell
	for page := 1; page <= pageCount; page++ {
		png, _, _, err := t.renderer.Render(ctx, docPath, page)
		if err != nil {
			return nil, fmt.Errorf("op=ocrcli.Extract: render page %d: %w", page, err)
		}
		imgPath := filepath.Join(scratch, fmt.Sprintf("page-%d.png", page))
		if err := os.WriteFile(imgPath, png, 0o600); err != nil {
			return nil, fmt.Errorf("op=ocrcli.Extract: %w: %v", domain.ErrTransient, err)
		}
		tsv, err := t.recognize(ctx, imgPath)
		if err != nil {
			return nil, fmt.Errorf("op=ocrcli.Extract: page %d: %w", page, err)
		}
		cells = append(cells, parseTSV(page, tsv)...)
	}
	return cells, nil
}

func (t *Tesseract) recognize(ctx context.Context, imgPath string) (string, error) {
	cmd := exec.CommandContext(ctx, binaryName, imgPath, "stdout", "--psm", "6", "tsv")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		}
		return "", fmt.Errorf("%w: tesseract: %v: %s", domain.ErrFatal, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parseTSV turns tesseract's TSV output into cells. Word rows (level 5) are
// grouped into grid rows by their block and line numbers; the word position
// within the line becomes the column.
func parseTSV(page int, tsv string) []ocr.Cell {
	type lineKey struct{ block, par, line int }
	rows := map[lineKey]int{}
	nextRow := 0

	var cells []ocr.Cell
	scanner := bufio.NewScanner(strings.NewReader(tsv))
	first := true
	for scanner.Scan() {
		if first { // header
			first = false
			continue
		}
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 12 {
			continue
		}
		level, _ := strconv.Atoi(fields[0])
		if level != 5 {
			continue
		}
		text := strings.TrimSpace(fields[11])
		if text == "" {
			continue
		}
		block, _ := strconv.Atoi(fields[2])
		par, _ := strconv.Atoi(fields[3])
		line, _ := strconv.Atoi(fields[4])
		word, _ := strconv.Atoi(fields[5])

		key := lineKey{block, par, line}
		row, ok := rows[key]
		if !ok {
			row = nextRow
			rows[key] = row
			nextRow++
		}

		cell := ocr.Cell{Page: page, Row: row, Column: word - 1, Text: text}
		if v, ok := financial.ParseNumber(text); ok {
			cell.IsNumeric = true
			cell.NumericValue = v
		}
		cells = append(cells, cell)
	}
	return cells
}
