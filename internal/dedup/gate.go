package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// ObjectGetter fetches stored document bytes for hashing.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Gate screens a document against the index before it is enqueued. Every
// collaborator is mandatory so a misconfigured gate fails at startup instead
// of waving duplicates through.
type Gate struct {
	store  ObjectGetter
	hasher *Hasher
	index  *Index
	logger *slog.Logger
}

func NewGate(store ObjectGetter, hasher *Hasher, index *Index, logger *slog.Logger) (*Gate, error) {
	if store == nil || hasher == nil || index == nil {
		return nil, fmt.Errorf("op=dedup.NewGate: store, hasher and index are all required: %w", domain.ErrInvalidInput)
	}
	return &Gate{store: store, hasher: hasher, index: index, logger: logger}, nil
}

// Check hashes the stored PDF and looks it up in the index. A match against a
// different document returns that document's id with found=true. Otherwise the
// document is registered so later uploads can match against it.
func (g *Gate) Check(ctx context.Context, doc domain.Document) (string, bool, error) {
	raw, err := g.store.Get(ctx, doc.ObjectKey)
	if err != nil {
		return "", false, fmt.Errorf("op=dedup.Check: fetch %s: %w", doc.ObjectKey, err)
	}

	// The renderer works on files, not byte slices.
	dir, err := os.MkdirTemp("", "dedup-")
	if err != nil {
		return "", false, fmt.Errorf("op=dedup.Check: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	pdfPath := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdfPath, raw, 0o600); err != nil {
		return "", false, fmt.Errorf("op=dedup.Check: %w", err)
	}

	hashes, err := g.hasher.Compute(ctx, raw, pdfPath)
	if err != nil {
		return "", false, fmt.Errorf("op=dedup.Check: %w", err)
	}
	dupID, found, err := g.index.FindDuplicate(ctx, hashes)
	if err != nil {
		return "", false, fmt.Errorf("op=dedup.Check: %w", err)
	}
	if found && dupID != doc.ID {
		if g.logger != nil {
			g.logger.Info("near-duplicate upload rejected",
				slog.String("document_id", doc.ID),
				slog.String("duplicate_of", dupID))
		}
		return dupID, true, nil
	}
	if err := g.index.Register(ctx, doc.ID, hashes); err != nil {
		return "", false, fmt.Errorf("op=dedup.Check: %w", err)
	}
	return "", false, nil
}
