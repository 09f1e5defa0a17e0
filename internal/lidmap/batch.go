package lidmap

import (
	"context"
	"fmt"

	"github.com/wa-core/lidcore/internal/errs"
)

// Pair is one PN/LID pairing to store, in either argument order — the
// same shape Store accepts, batched.
type Pair struct {
	A, B string
}

// DroppedPair is a batch entry that failed to classify or decode.
type DroppedPair struct {
	Pair Pair
	Err  error
}

// BatchResult reports the outcome of a StoreBatch call. Skipped pairs
// (mapping already matches) and dropped pairs (malformed input) never
// fail the batch as a whole.
type BatchResult struct {
	Stored  []Mapping
	Skipped []Pair
	Dropped []DroppedPair
}

// StoreBatch validates and decodes each pair, stages a write for every
// pair whose PN user is unknown or mapped to a different LID, skips pairs
// that already match the current mapping, and commits every staged write
// in a single transaction. Malformed pairs are logged and dropped without
// failing the rest of the batch.
func (s *Store) StoreBatch(ctx context.Context, pairs []Pair) (BatchResult, error) {
	staged := make(map[string]string) // pnUser -> lidUser, last write in iteration order wins
	var result BatchResult

	for _, p := range pairs {
		pnUser, lidUser, err := classifyPair(p.A, p.B)
		if err != nil {
			s.logger.Warn("lidmap: dropping malformed batch pair", "a", p.A, "b", p.B, "error", err)
			result.Dropped = append(result.Dropped, DroppedPair{Pair: p, Err: err})
			continue
		}

		if existing, ok, err := s.currentForward(ctx, pnUser); err != nil {
			result.Dropped = append(result.Dropped, DroppedPair{Pair: p, Err: err})
			continue
		} else if ok && existing == lidUser {
			result.Skipped = append(result.Skipped, p)
			continue
		}

		staged[pnUser] = lidUser
	}

	if len(staged) == 0 {
		return result, nil
	}

	writes := map[string]map[string][]byte{Namespace: make(map[string][]byte, len(staged)*2)}
	for pnUser, lidUser := range staged {
		writes[Namespace][pnUser] = []byte(lidUser)
		writes[Namespace][reverseKey(lidUser)] = []byte(pnUser)
	}
	if err := s.kv.Set(ctx, writes); err != nil {
		return BatchResult{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	for pnUser, lidUser := range staged {
		s.warmCache(pnUser, lidUser)
		result.Stored = append(result.Stored, Mapping{PNUser: pnUser, LIDUser: lidUser})
	}
	return result, nil
}

// currentForward reads the live forward mapping for pnUser, checking the
// cache first. Used by StoreBatch and the message-derived stores to decide
// whether a write would be a no-op.
func (s *Store) currentForward(ctx context.Context, pnUser string) (string, bool, error) {
	if v, ok := s.cacheGetPN(pnUser); ok {
		return v, true, nil
	}
	v, ok, err := s.kv.GetOne(ctx, Namespace, pnUser)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(v), true, nil
}
