package lidmap

import (
	"context"
	"fmt"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

// MessageRef is the identity information available on an inbound message
// header: the addressed JID and, when present, its participant JID (the
// actual sender in a group, or the counterpart identity in a 1:1 message
// addressed under the other namespace).
type MessageRef struct {
	JID         string
	Participant string // empty when absent
}

// resolveFromMessage applies the first-match-wins resolution rules of
// spec §4.4 to a single message header, without writing anything.
// A nil result with a nil error means "nothing to infer" — not an error,
// just an uninformative message shape (e.g. neither side names a LID and
// no participant is present).
func (s *Store) resolveFromMessage(ctx context.Context, ref MessageRef) (*Mapping, error) {
	j, err := jid.Parse(ref.JID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}

	var participant *jid.JID
	if ref.Participant != "" {
		pj, err := jid.Parse(ref.Participant)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
		}
		participant = &pj
	}

	switch {
	case j.IsAnyLID() && participant != nil && participant.IsAnyPN():
		return &Mapping{PNUser: participant.User, LIDUser: j.User}, nil

	case j.IsAnyPN() && participant != nil && participant.IsAnyLID():
		return &Mapping{PNUser: j.User, LIDUser: participant.User}, nil

	case j.IsAnyLID() && participant == nil:
		v, ok, err := s.kv.GetOne(ctx, Namespace, reverseKey(j.User))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
		}
		if !ok {
			return nil, nil
		}
		return &Mapping{PNUser: string(v), LIDUser: j.User}, nil

	case j.IsAnyPN() && participant == nil:
		v, ok, err := s.kv.GetOne(ctx, Namespace, j.User)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
		}
		if !ok {
			return nil, nil
		}
		return &Mapping{PNUser: j.User, LIDUser: string(v)}, nil

	default:
		return nil, nil
	}
}

// StoreFromMessage infers an identity pairing from a single inbound
// message header and persists it, unless it is unchanged from the current
// forward mapping. Returns (nil, nil) when the header carries nothing to
// infer, or when the inferred mapping already matches the stored one.
func (s *Store) StoreFromMessage(ctx context.Context, ref MessageRef) (*Mapping, error) {
	m, err := s.resolveFromMessage(ctx, ref)
	if err != nil || m == nil {
		return nil, err
	}

	existing, ok, err := s.currentForward(ctx, m.PNUser)
	if err != nil {
		return nil, err
	}
	if ok && existing == m.LIDUser {
		return nil, nil
	}

	return s.Store(ctx, jid.JID{User: m.PNUser, Domain: jid.PN}.String(), jid.JID{User: m.LIDUser, Domain: jid.LID}.String())
}

// StoreFromMessages is the batch form of StoreFromMessage. It additionally
// detects conflicts within the batch — the same PN mapped to two distinct
// LIDs — and logs them; the last message in iteration order wins, matching
// the store's general last-write-wins semantics under concurrent writers.
func (s *Store) StoreFromMessages(ctx context.Context, refs []MessageRef) (BatchResult, error) {
	staged := make(map[string]string)
	var dropped []DroppedPair

	for _, ref := range refs {
		m, err := s.resolveFromMessage(ctx, ref)
		if err != nil {
			dropped = append(dropped, DroppedPair{Pair: Pair{A: ref.JID, B: ref.Participant}, Err: err})
			continue
		}
		if m == nil {
			continue
		}

		if prior, ok := staged[m.PNUser]; ok && prior != m.LIDUser {
			s.logger.Warn("lidmap: conflicting lid for pn within batch, last write wins",
				"pn_user", m.PNUser, "previous_lid_user", prior, "new_lid_user", m.LIDUser)
		}
		staged[m.PNUser] = m.LIDUser
	}

	pairs := make([]Pair, 0, len(staged))
	for pnUser, lidUser := range staged {
		pairs = append(pairs, Pair{
			A: jid.JID{User: pnUser, Domain: jid.PN}.String(),
			B: jid.JID{User: lidUser, Domain: jid.LID}.String(),
		})
	}

	result, err := s.StoreBatch(ctx, pairs)
	result.Dropped = append(result.Dropped, dropped...)
	return result, err
}
