package lidmap

import (
	"context"
	"fmt"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

// GetLIDForPN resolves a single PN-domain JID to its device-specific LID
// JID. It delegates to GetLIDsForPNs, the primary batch form. Returns
// (nil, nil) when pn has no known or resolvable LID mapping.
func (s *Store) GetLIDForPN(ctx context.Context, pn string) (*Resolution, error) {
	pj, err := jid.Parse(pn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	if !pj.IsAnyPN() {
		return nil, fmt.Errorf("%w: %q is not a PN jid", errs.ErrInvalidArgs, pn)
	}

	results, err := s.GetLIDsForPNs(ctx, []string{pn})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// PeekLIDForPN resolves pn to its device-specific LID JID using only the
// in-memory cache and the persistent KV namespace — it never invokes the
// directory resolver and never writes. Intended for callers on a hot,
// synchronous path (the Signal session store's LID-preference read) that
// must not trigger external directory I/O or a side-effecting StoreBatch.
// Returns (nil, nil) when pn has no cached or stored LID mapping yet.
func (s *Store) PeekLIDForPN(ctx context.Context, pn string) (*Resolution, error) {
	pj, err := jid.Parse(pn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	if !pj.IsAnyPN() {
		return nil, fmt.Errorf("%w: %q is not a PN jid", errs.ErrInvalidArgs, pn)
	}

	canon := pj.CanonicalPN()
	pnUser := canon.User

	if lidUser, ok := s.cacheGetPN(pnUser); ok {
		return &Resolution{PNJID: pj, LIDJID: resolvedLID(pj, lidUser)}, nil
	}

	v, ok, err := s.kv.GetOne(ctx, Namespace, pnUser)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	if !ok {
		return nil, nil
	}
	lidUser := string(v)
	s.warmCache(pnUser, lidUser)
	return &Resolution{PNJID: pj, LIDJID: resolvedLID(pj, lidUser)}, nil
}

// GetLIDsForPNs is the primary batch resolution form. Non-PN queries are
// skipped. For each query it consults the cache, then the KV, then (for
// the still-unresolved remainder) the injected directory resolver, in one
// deduplicated batch call. Results are returned unordered with duplicates
// collapsed; a query that never resolves is simply absent.
func (s *Store) GetLIDsForPNs(ctx context.Context, pns []string) ([]Resolution, error) {
	type pending struct {
		queries []jid.JID
	}
	pendingByUser := make(map[string]*pending)
	seen := make(map[string]bool)
	var results []Resolution

	appendResult := func(pnJID, lidJID jid.JID) {
		key := pnJID.String() + "->" + lidJID.String()
		if seen[key] {
			return
		}
		seen[key] = true
		results = append(results, Resolution{PNJID: pnJID, LIDJID: lidJID})
	}

	for _, raw := range pns {
		j, err := jid.Parse(raw)
		if err != nil {
			s.logger.Warn("lidmap: skipping malformed pn query", "jid", raw, "error", err)
			continue
		}
		if !j.IsAnyPN() {
			continue
		}
		canon := j.CanonicalPN()
		pnUser := canon.User

		if lidUser, ok := s.cacheGetPN(pnUser); ok {
			appendResult(j, resolvedLID(j, lidUser))
			continue
		}

		v, ok, err := s.kv.GetOne(ctx, Namespace, pnUser)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
		}
		if ok {
			lidUser := string(v)
			s.warmCache(pnUser, lidUser)
			appendResult(j, resolvedLID(j, lidUser))
			continue
		}

		p, exists := pendingByUser[pnUser]
		if !exists {
			p = &pending{}
			pendingByUser[pnUser] = p
		}
		p.queries = append(p.queries, j)
	}

	if len(pendingByUser) == 0 {
		return results, nil
	}
	if s.resolve == nil {
		return results, nil
	}

	keys := make([]string, 0, len(pendingByUser))
	for pnUser := range pendingByUser {
		keys = append(keys, pnUser)
	}

	pairs, err := s.resolve(ctx, keys)
	if err != nil {
		s.logger.Warn("lidmap: directory resolver failed, treating as nothing learned", "error", err)
		return results, nil
	}
	if len(pairs) == 0 {
		return results, nil
	}

	batchPairs := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		pnJIDStr := (jid.JID{User: p.PNUser, Domain: jid.PN}).String()
		lidJIDStr := (jid.JID{User: p.LIDUser, Domain: jid.LID}).String()
		batchPairs = append(batchPairs, Pair{A: pnJIDStr, B: lidJIDStr})
	}
	if _, err := s.StoreBatch(ctx, batchPairs); err != nil {
		return nil, err
	}

	for _, p := range pairs {
		pend, ok := pendingByUser[p.PNUser]
		if !ok {
			continue
		}
		for _, q := range pend.queries {
			appendResult(q, resolvedLID(q, p.LIDUser))
		}
	}

	return results, nil
}

// resolvedLID constructs the device-specific LID JID for a resolved
// lidUser, transferring the query's device number: device 99 maps onto
// the hosted-LID domain, any other device onto plain LID.
func resolvedLID(query jid.JID, lidUser string) jid.JID {
	target := jid.JID{User: lidUser, Domain: jid.LID}
	return jid.TransferDevice(query, target)
}

// GetPNForLID resolves a LID-domain JID to its PN JID, constructed on the
// canonical PN domain using the query's own device number (no hosted-PN
// carve-out on emit here — only the PN→LID direction distinguishes device
// 99, per the mapping being defined over user-level, not device-level,
// state). Returns (nil, nil) when the reverse mapping is unknown.
func (s *Store) GetPNForLID(ctx context.Context, lid string) (*jid.JID, error) {
	lj, err := jid.Parse(lid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	if !lj.IsAnyLID() {
		return nil, fmt.Errorf("%w: %q is not a LID jid", errs.ErrInvalidArgs, lid)
	}
	lidUser := lj.User

	if pnUser, ok := s.cacheGetLID(lidUser); ok {
		pn := jid.JID{User: pnUser, Device: lj.Device, Domain: jid.PN}
		return &pn, nil
	}

	v, ok, err := s.kv.GetOne(ctx, Namespace, reverseKey(lidUser))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	if !ok {
		return nil, nil
	}
	pnUser := string(v)
	s.warmCache(pnUser, lidUser)

	pn := jid.JID{User: pnUser, Device: lj.Device, Domain: jid.PN}
	return &pn, nil
}

// IsKnownLIDUser reports whether lidUser is already known as the LID side
// of a stored mapping, consulting only the in-memory cache and the
// persistent KV reverse key — never the directory resolver, which has no
// concept of a LID-to-PN query in the first place. Used to recognize an
// already-LID address before attempting a PN→LID forward lookup on it.
func (s *Store) IsKnownLIDUser(ctx context.Context, lidUser string) (bool, error) {
	if _, ok := s.cacheGetLID(lidUser); ok {
		return true, nil
	}
	_, ok, err := s.kv.GetOne(ctx, Namespace, reverseKey(lidUser))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return ok, nil
}

// Remove deletes both sides of the mapping identified by userID, which may
// be either a forward key (a pn user) or a reverse key's target (a lid
// user). It returns false without error when neither side exists.
func (s *Store) Remove(ctx context.Context, userID string) (bool, error) {
	got, err := s.kv.Get(ctx, Namespace, []string{userID, reverseKey(userID)})
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	fwd, fwdOK := got[userID]
	rev, revOK := got[reverseKey(userID)]
	if !fwdOK && !revOK {
		return false, nil
	}

	var pnUser, lidUser string
	if fwdOK {
		pnUser, lidUser = userID, string(fwd)
	} else {
		pnUser, lidUser = string(rev), userID
	}

	writes := map[string]map[string][]byte{
		Namespace: {
			pnUser:              nil,
			reverseKey(lidUser): nil,
		},
	}
	if err := s.kv.Set(ctx, writes); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	s.evictCache(pnUser, lidUser)
	return true, nil
}

// Has reports whether userID is known on either the forward or reverse
// side of the mapping.
func (s *Store) Has(ctx context.Context, userID string) (bool, error) {
	got, err := s.kv.Get(ctx, Namespace, []string{userID, reverseKey(userID)})
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return len(got) > 0, nil
}
