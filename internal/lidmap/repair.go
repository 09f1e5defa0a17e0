package lidmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/wa-core/lidcore/internal/errs"
)

// Report is the result of ValidateAndRepair.
type Report struct {
	Validated int
	Repaired  int
	Errors    int
}

// ValidateAndRepair scans every forward mapping key and restores
// invariant M1 (bidirectional consistency) by rewriting any missing or
// mismatched reverse key to match the forward side. All repairs commit in
// one transaction. A forward value that is empty counts as an error, not
// a repair — there is nothing to repair a reverse key to.
func (s *Store) ValidateAndRepair(ctx context.Context) (Report, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	var forwardKeys []string
	for _, k := range keys {
		if !strings.HasSuffix(k, reverseSuffix) {
			forwardKeys = append(forwardKeys, k)
		}
	}
	if len(forwardKeys) == 0 {
		return Report{}, nil
	}

	forward, err := s.kv.Get(ctx, Namespace, forwardKeys)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	var report Report
	repairs := make(map[string]string) // lidUser -> pnUser

	for pnUser, v := range forward {
		lidUser := string(v)
		if lidUser == "" {
			report.Errors++
			continue
		}

		revVal, ok, err := s.kv.GetOne(ctx, Namespace, reverseKey(lidUser))
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
		}
		if ok && string(revVal) == pnUser {
			report.Validated++
			continue
		}

		repairs[lidUser] = pnUser
		report.Repaired++
	}

	if len(repairs) > 0 {
		writes := map[string]map[string][]byte{Namespace: make(map[string][]byte, len(repairs))}
		for lidUser, pnUser := range repairs {
			writes[Namespace][reverseKey(lidUser)] = []byte(pnUser)
		}
		if err := s.kv.Set(ctx, writes); err != nil {
			return Report{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
		}
		for lidUser, pnUser := range repairs {
			s.warmCache(pnUser, lidUser)
		}
	}

	return report, nil
}

// Stats holds a cheap snapshot of the mapping namespace: a total forward
// count and a small, unordered sample of PN users. It is not a scoped
// spec operation (see DESIGN.md's Open Questions) — the original
// get_mapping_stats always returned zero values unconditionally, so this
// is a genuine replacement, not a spec requirement.
type Stats struct {
	TotalMappings int
	SampleUsers   []string
}

const statsSampleSize = 10

// Stats scans the forward half of the mapping namespace and reports a
// total count plus a small sample of PN users, without validating
// reverse-key consistency (use ValidateAndRepair for that).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	var forwardKeys []string
	for _, k := range keys {
		if !strings.HasSuffix(k, reverseSuffix) {
			forwardKeys = append(forwardKeys, k)
		}
	}

	sample := forwardKeys
	if len(sample) > statsSampleSize {
		sample = sample[:statsSampleSize]
	}
	return Stats{TotalMappings: len(forwardKeys), SampleUsers: sample}, nil
}
