package dedup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

const (
	docKeyFmt  = "cas:phash:doc:%s"
	pageKeyFmt = "cas:phash:page:%d:%s"
)

// Index maps per-page perceptual hashes to document ids for near-duplicate
// lookup. Exact-hash buckets narrow the candidate set; the full stored vector
// settles each candidate under the Hamming bound.
type Index struct {
	rdb        *redis.Client
	maxHamming int
}

// NewIndex builds an index with the given Hamming acceptance bound.
func NewIndex(rdb *redis.Client, maxHamming int) *Index {
	if maxHamming < 0 {
		maxHamming = 4
	}
	return &Index{rdb: rdb, maxHamming: maxHamming}
}

// Register stores the document's phash vector and adds it to each page bucket.
func (ix *Index) Register(ctx context.Context, docID string, hashes Hashes) error {
	if docID == "" {
		return fmt.Errorf("op=dedup.Register: empty document id: %w", domain.ErrInvalidInput)
	}
	if len(hashes.PhashPages) == 0 {
		return nil
	}
	fields := make(map[string]string, len(hashes.PhashPages))
	pipe := ix.rdb.TxPipeline()
	for i, h := range hashes.PhashPages {
		hex := HashHex(h)
		fields[strconv.Itoa(i)] = hex
		pipe.SAdd(ctx, fmt.Sprintf(pageKeyFmt, i, hex), docID)
	}
	pipe.HSet(ctx, fmt.Sprintf(docKeyFmt, docID), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=dedup.Register: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// FindDuplicate returns the first indexed document whose stored vector is
// within the Hamming bound on every compared page position. Candidates come
// from the exact-hash page buckets, so near-misses on all pages are not found;
// a single exactly-matching page is enough to surface a candidate.
func (ix *Index) FindDuplicate(ctx context.Context, hashes Hashes) (string, bool, error) {
	seen := map[string]struct{}{}
	for i, h := range hashes.PhashPages {
		members, err := ix.rdb.SMembers(ctx, fmt.Sprintf(pageKeyFmt, i, HashHex(h))).Result()
		if err != nil {
			return "", false, fmt.Errorf("op=dedup.FindDuplicate: %w: %v", domain.ErrTransient, err)
		}
		for _, docID := range members {
			if _, dup := seen[docID]; dup {
				continue
			}
			seen[docID] = struct{}{}
			ok, err := ix.matches(ctx, docID, hashes.PhashPages)
			if err != nil {
				return "", false, err
			}
			if ok {
				return docID, true, nil
			}
		}
	}
	return "", false, nil
}

// Remove deletes a document from the index, used during erasure.
func (ix *Index) Remove(ctx context.Context, docID string) error {
	stored, err := ix.vector(ctx, docID)
	if err != nil {
		return err
	}
	pipe := ix.rdb.TxPipeline()
	for i, h := range stored {
		pipe.SRem(ctx, fmt.Sprintf(pageKeyFmt, i, HashHex(h)), docID)
	}
	pipe.Del(ctx, fmt.Sprintf(docKeyFmt, docID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=dedup.Remove: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

func (ix *Index) matches(ctx context.Context, docID string, incoming []uint64) (bool, error) {
	stored, err := ix.vector(ctx, docID)
	if err != nil {
		return false, err
	}
	n := len(incoming)
	if len(stored) < n {
		n = len(stored)
	}
	if n == 0 {
		return false, nil
	}
	for i := 0; i < n; i++ {
		if HammingDistance(incoming[i], stored[i]) > ix.maxHamming {
			return false, nil
		}
	}
	return true, nil
}

// vector loads the stored phash vector ordered by page index.
func (ix *Index) vector(ctx context.Context, docID string) ([]uint64, error) {
	fields, err := ix.rdb.HGetAll(ctx, fmt.Sprintf(docKeyFmt, docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=dedup.vector: %w: %v", domain.ErrTransient, err)
	}
	out := make([]uint64, len(fields))
	for idx, hex := range fields {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= len(fields) {
			return nil, fmt.Errorf("op=dedup.vector: corrupt page index for %s: %w", docID, domain.ErrFatal)
		}
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("op=dedup.vector: corrupt entry for %s: %w", docID, domain.ErrFatal)
		}
		out[i] = v
	}
	return out, nil
}
