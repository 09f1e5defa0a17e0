// Package lidmap implements the user-level, bidirectional LID↔PN identity
// mapping store: a write-through cache in front of a transactional
// key-value namespace, fronted by a batch resolver that fetches unknown
// mappings from an external directory service.
package lidmap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
	"github.com/wa-core/lidcore/internal/kv"
	"github.com/wa-core/lidcore/internal/ttlcache"
)

// Namespace is the persistent key-value namespace mapping keys live under.
const Namespace = "lid-mapping"

const reverseSuffix = "_reverse"

func reverseKey(lidUser string) string { return lidUser + reverseSuffix }

// DefaultCacheTTL is the mapping cache's time-to-live, per spec §3.
const DefaultCacheTTL = time.Hour

// Mapping is a resolved user-level PN↔LID pairing.
type Mapping struct {
	PNUser  string
	LIDUser string
}

// Resolution is a device-specific PN/LID JID pair returned by the
// batch-lookup operations.
type Resolution struct {
	PNJID  jid.JID
	LIDJID jid.JID
}

// ResolvedPair is one entry a directory Resolver returns: bare user ids,
// not full JIDs — the store synthesizes device-specific JIDs itself.
type ResolvedPair struct {
	PNUser  string
	LIDUser string
}

// Resolver fetches unknown PN→LID mappings from an external directory
// service, keyed by normalized PN user (the mapping store's forward key,
// not a full JID). It is assumed to handle its own rate limiting and
// retries; the mapping store never retries a resolver call. A nil error
// with no pairs, and a non-nil error, are both treated as "nothing
// learned" — resolver failures are never fatal to the caller.
type Resolver func(ctx context.Context, pnUserKeys []string) ([]ResolvedPair, error)

// Store is the bidirectional LID↔PN mapping store.
type Store struct {
	kv      *kv.Store
	cache   *ttlcache.Cache[string]
	resolve Resolver
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithResolver sets the directory resolver used on a full cache+KV miss.
// Without one, unresolved PNs simply never resolve.
func WithResolver(r Resolver) Option {
	return func(s *Store) { s.resolve = r }
}

// WithLogger sets the structured logger used for dropped/conflicting
// entries and repair diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCacheTTL overrides the default one-hour mapping cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cache = ttlcache.New[string](ttl) }
}

// New builds a Store over kvStore.
func New(kvStore *kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:     kvStore,
		cache:  ttlcache.New[string](DefaultCacheTTL),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Destroy flushes the in-memory mapping cache. It does not touch
// persistent state.
func (s *Store) Destroy() {
	s.cache.Clear()
}

func (s *Store) cacheGetPN(pnUser string) (string, bool)  { return s.cache.Get("pn:" + pnUser) }
func (s *Store) cacheGetLID(lidUser string) (string, bool) { return s.cache.Get("lid:" + lidUser) }

func (s *Store) warmCache(pnUser, lidUser string) {
	s.cache.Set("pn:"+pnUser, lidUser)
	s.cache.Set("lid:"+lidUser, pnUser)
}

func (s *Store) evictCache(pnUser, lidUser string) {
	s.cache.Delete("pn:" + pnUser)
	s.cache.Delete("lid:" + lidUser)
}

// classifyPair decodes a and b and determines which is the PN side and which
// is the LID side, in either argument order.
func classifyPair(a, b string) (pnUser, lidUser string, err error) {
	aj, aerr := jid.Parse(a)
	if aerr != nil {
		return "", "", fmt.Errorf("%w: %v", errs.ErrDecodeFailed, aerr)
	}
	bj, berr := jid.Parse(b)
	if berr != nil {
		return "", "", fmt.Errorf("%w: %v", errs.ErrDecodeFailed, berr)
	}

	switch {
	case aj.IsAnyPN() && bj.IsAnyLID():
		return aj.User, bj.User, nil
	case aj.IsAnyLID() && bj.IsAnyPN():
		return bj.User, aj.User, nil
	default:
		return "", "", fmt.Errorf("%w: exactly one of %q, %q must be a LID address and the other a PN address", errs.ErrInvalidArgs, a, b)
	}
}

// Store validates that exactly one of a, b is a LID address and the other
// a PN address (in either order), decodes both, and writes the forward and
// reverse mapping keys inside a single transaction.
func (s *Store) Store(ctx context.Context, a, b string) (*Mapping, error) {
	pnUser, lidUser, err := classifyPair(a, b)
	if err != nil {
		return nil, err
	}

	writes := map[string]map[string][]byte{
		Namespace: {
			pnUser:            []byte(lidUser),
			reverseKey(lidUser): []byte(pnUser),
		},
	}
	if err := s.kv.Set(ctx, writes); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	s.warmCache(pnUser, lidUser)
	return &Mapping{PNUser: pnUser, LIDUser: lidUser}, nil
}
