// Package dedup computes content hashes for incoming PDFs and answers
// near-duplicate lookups against a Redis-backed perceptual-hash index.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/png"
	"log/slog"
	"math/bits"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// Hashes is the full content fingerprint of a document.
type Hashes struct {
	SHA256Raw       string
	SHA256Canonical *string
	PhashPages      []uint64
}

// Hasher produces Hashes for raw PDF bytes. The renderer is mandatory:
// perceptual dedup silently turning itself off would let duplicates through,
// so a missing renderer is a setup error.
type Hasher struct {
	renderer   domain.PageRenderer
	normalizer domain.PDFNormalizer
	pages      int
	logger     *slog.Logger
}

// NewHasher builds a Hasher covering the first pages pages. normalizer may be
// nil, in which case the canonical hash is omitted.
func NewHasher(renderer domain.PageRenderer, normalizer domain.PDFNormalizer, pages int, logger *slog.Logger) (*Hasher, error) {
	if renderer == nil {
		return nil, fmt.Errorf("op=dedup.NewHasher: page renderer not configured, perceptual dedup requires one: %w", domain.ErrInvalidInput)
	}
	if pages <= 0 {
		pages = 3
	}
	return &Hasher{renderer: renderer, normalizer: normalizer, pages: pages, logger: logger}, nil
}

// Compute hashes raw bytes and rasterizes the first N pages of the PDF at
// pdfPath for perceptual hashing. Pages are upsampled 2x before hashing so
// small renders do not collapse to identical DCT blocks.
func (h *Hasher) Compute(ctx context.Context, raw []byte, pdfPath string) (Hashes, error) {
	sum := sha256.Sum256(raw)
	out := Hashes{SHA256Raw: hex.EncodeToString(sum[:])}

	if h.normalizer != nil {
		canonical, err := h.normalizer.Normalize(ctx, raw)
		if err != nil {
			return Hashes{}, fmt.Errorf("op=dedup.Compute: normalize: %w", err)
		}
		csum := sha256.Sum256(canonical)
		chex := hex.EncodeToString(csum[:])
		out.SHA256Canonical = &chex
	}

	count, err := h.renderer.PageCount(ctx, pdfPath)
	if err != nil {
		return Hashes{}, fmt.Errorf("op=dedup.Compute: page count: %w", err)
	}
	n := h.pages
	if count < n {
		n = count
	}
	for page := 1; page <= n; page++ {
		pngBytes, w, hpx, err := h.renderer.Render(ctx, pdfPath, page)
		if err != nil {
			return Hashes{}, fmt.Errorf("op=dedup.Compute: render page %d: %w", page, err)
		}
		img, err := png.Decode(bytes.NewReader(pngBytes))
		if err != nil {
			return Hashes{}, fmt.Errorf("op=dedup.Compute: decode page %d: %w", page, err)
		}
		up := resize.Resize(uint(w)*2, uint(hpx)*2, img, resize.Bilinear)
		ph, err := goimagehash.PerceptionHash(up)
		if err != nil {
			return Hashes{}, fmt.Errorf("op=dedup.Compute: phash page %d: %w", page, err)
		}
		out.PhashPages = append(out.PhashPages, ph.GetHash())
	}
	return out, nil
}

// HammingDistance counts differing bits between two 64-bit perceptual hashes.
func HammingDistance(a, b uint64) int { return bits.OnesCount64(a ^ b) }

// HashHex renders a phash as the fixed-width hex used in index keys.
func HashHex(h uint64) string { return fmt.Sprintf("%016x", h) }
