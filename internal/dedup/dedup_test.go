package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// fakeRenderer serves pre-built PNG pages.
type fakeRenderer struct {
	pages [][]byte
	w, h  int
}

func (f *fakeRenderer) Render(_ context.Context, _ string, page int) ([]byte, int, int, error) {
	return f.pages[page-1], f.w, f.h, nil
}

func (f *fakeRenderer) PageCount(context.Context, string) (int, error) { return len(f.pages), nil }

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(_ context.Context, raw []byte) ([]byte, error) {
	return bytes.ToLower(raw), nil
}

func renderGradient(t *testing.T, w, h, seed int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*seed + y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newHasher(t *testing.T, r domain.PageRenderer, n domain.PDFNormalizer) *Hasher {
	t.Helper()
	h, err := NewHasher(r, n, 3, slog.Default())
	require.NoError(t, err)
	return h
}

func TestNewHasherRequiresRenderer(t *testing.T) {
	_, err := NewHasher(nil, nil, 3, slog.Default())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestComputeHashes(t *testing.T) {
	r := &fakeRenderer{pages: [][]byte{renderGradient(t, 64, 64, 3), renderGradient(t, 64, 64, 7)}, w: 64, h: 64}
	h := newHasher(t, r, fakeNormalizer{})

	raw := []byte("%PDF-1.7 SAMPLE")
	got, err := h.Compute(context.Background(), raw, "/tmp/doc.pdf")
	require.NoError(t, err)

	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.SHA256Raw)

	require.NotNil(t, got.SHA256Canonical)
	csum := sha256.Sum256(bytes.ToLower(raw))
	assert.Equal(t, hex.EncodeToString(csum[:]), *got.SHA256Canonical)

	// Two pages rendered, capped below the configured three.
	assert.Len(t, got.PhashPages, 2)
}

func TestComputeWithoutNormalizer(t *testing.T) {
	r := &fakeRenderer{pages: [][]byte{renderGradient(t, 32, 32, 5)}, w: 32, h: 32}
	h := newHasher(t, r, nil)
	got, err := h.Compute(context.Background(), []byte("x"), "/tmp/doc.pdf")
	require.NoError(t, err)
	assert.Nil(t, got.SHA256Canonical)
}

func TestComputeDeterministic(t *testing.T) {
	r := &fakeRenderer{pages: [][]byte{renderGradient(t, 64, 64, 3)}, w: 64, h: 64}
	h := newHasher(t, r, nil)
	a, err := h.Compute(context.Background(), []byte("x"), "p")
	require.NoError(t, err)
	b, err := h.Compute(context.Background(), []byte("x"), "p")
	require.NoError(t, err)
	assert.Equal(t, a.PhashPages, b.PhashPages)
}

func TestHammingDistance(t *testing.T) {
	assert.Zero(t, HammingDistance(0xffff, 0xffff))
	assert.Equal(t, 1, HammingDistance(0b1000, 0b0000))
	assert.Equal(t, 64, HammingDistance(0, ^uint64(0)))
}

func newIndex(t *testing.T, maxHamming int) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewIndex(rdb, maxHamming)
}

func TestIndexRegisterAndFind(t *testing.T) {
	ix := newIndex(t, 4)
	ctx := context.Background()

	stored := Hashes{PhashPages: []uint64{0xdeadbeefcafef00d, 0x0123456789abcdef}}
	require.NoError(t, ix.Register(ctx, "doc-1", stored))

	t.Run("exact match found", func(t *testing.T) {
		id, ok, err := ix.FindDuplicate(ctx, stored)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "doc-1", id)
	})

	t.Run("near match within bound found", func(t *testing.T) {
		lookup := Hashes{PhashPages: []uint64{stored.PhashPages[0], stored.PhashPages[1] ^ 0b111}}
		id, ok, err := ix.FindDuplicate(ctx, lookup)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "doc-1", id)
	})

	t.Run("match beyond bound rejected", func(t *testing.T) {
		lookup := Hashes{PhashPages: []uint64{stored.PhashPages[0], stored.PhashPages[1] ^ 0x1f1f}}
		_, ok, err := ix.FindDuplicate(ctx, lookup)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unrelated vector misses", func(t *testing.T) {
		lookup := Hashes{PhashPages: []uint64{0x1111111111111111}}
		_, ok, err := ix.FindDuplicate(ctx, lookup)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestIndexRemove(t *testing.T) {
	ix := newIndex(t, 4)
	ctx := context.Background()
	hashes := Hashes{PhashPages: []uint64{42}}
	require.NoError(t, ix.Register(ctx, "doc-1", hashes))
	require.NoError(t, ix.Remove(ctx, "doc-1"))

	_, ok, err := ix.FindDuplicate(ctx, hashes)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexEmptyVectorNoop(t *testing.T) {
	ix := newIndex(t, 4)
	require.NoError(t, ix.Register(context.Background(), "doc-1", Hashes{}))
}

type fakeObjectGetter struct {
	objects map[string][]byte
}

func (f *fakeObjectGetter) Get(_ context.Context, key string) ([]byte, error) {
	raw, ok := f.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func TestGateRequiresCollaborators(t *testing.T) {
	_, err := NewGate(nil, nil, nil, slog.Default())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGateRegistersThenRejectsNearDuplicate(t *testing.T) {
	r := &fakeRenderer{pages: [][]byte{renderGradient(t, 64, 64, 3)}, w: 64, h: 64}
	store := &fakeObjectGetter{objects: map[string][]byte{
		"docs/a.pdf": []byte("%PDF-1.7 A"),
		"docs/b.pdf": []byte("%PDF-1.7 B"),
	}}
	gate, err := NewGate(store, newHasher(t, r, nil), newIndex(t, 4), slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	// First document registers cleanly.
	dupID, dup, err := gate.Check(ctx, domain.Document{ID: "doc-a", ObjectKey: "docs/a.pdf"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Empty(t, dupID)

	// Re-checking the same document matches only itself.
	_, dup, err = gate.Check(ctx, domain.Document{ID: "doc-a", ObjectKey: "docs/a.pdf"})
	require.NoError(t, err)
	assert.False(t, dup)

	// A second document whose pages render identically is a duplicate.
	dupID, dup, err = gate.Check(ctx, domain.Document{ID: "doc-b", ObjectKey: "docs/b.pdf"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "doc-a", dupID)
}

func TestGateMissingObject(t *testing.T) {
	r := &fakeRenderer{pages: [][]byte{renderGradient(t, 32, 32, 5)}, w: 32, h: 32}
	gate, err := NewGate(&fakeObjectGetter{}, newHasher(t, r, nil), newIndex(t, 4), slog.Default())
	require.NoError(t, err)

	_, _, err = gate.Check(context.Background(), domain.Document{ID: "doc-x", ObjectKey: "gone.pdf"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
