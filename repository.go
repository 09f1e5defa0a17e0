// Package lidcore implements the identity-mapping and Signal-session core
// of a WhatsApp-style client: bidirectional LID/PN user mapping backed by
// a transactional key-value store, and a Signal Protocol session
// repository that routes encryption through the preferred identity and
// migrates PN-addressed sessions to LID addresses in bulk once a peer's
// LID becomes known.
package lidcore

import (
	"log/slog"
	"time"

	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/serialize"

	"github.com/wa-core/lidcore/internal/kv"
	"github.com/wa-core/lidcore/internal/lidmap"
	"github.com/wa-core/lidcore/internal/signalstore"
	"github.com/wa-core/lidcore/internal/ttlcache"
)

// DefaultCacheTTL is the validation- and migration-cache time-to-live.
const DefaultCacheTTL = time.Hour

// ValidationResult is the outcome of ValidateSession.
type ValidationResult struct {
	Exists bool
	Reason string
}

// Validation failure reasons, per spec.
const (
	ReasonInvalidJID      = "invalid-jid"
	ReasonNoSession       = "no-session"
	ReasonNoOpenSession   = "no-open-session"
	ReasonValidationError = "validation-error"
)

// EncryptResult is the outcome of EncryptMessage/EncryptWithWire.
type EncryptResult struct {
	Type       string // "pkmsg" or "msg"
	Ciphertext []byte
	WireJID    string // set only by EncryptWithWire
}

// MigrationResult is the outcome of MigrateSession.
type MigrationResult struct {
	Migrated int
	Skipped  int
	Total    int
}

// GroupEncryptResult is the outcome of EncryptGroupMessage.
type GroupEncryptResult struct {
	Ciphertext   []byte
	Distribution []byte
}

// Repository is the public Signal session façade: encrypt/decrypt (1:1 and
// group), session validation, bulk PN→LID migration, and sender-key
// distribution, all routed through the preferred (LID when known) address.
type Repository struct {
	kv      *kv.Store
	mapping *lidmap.Store
	store   *signalstore.Adapter
	logger  *slog.Logger

	serializer *serialize.Serializer

	validationCache *ttlcache.Cache[ValidationResult]
	migrationCache  *ttlcache.Cache[bool]
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the structured logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// WithCacheTTL overrides the default one-hour validation/migration cache
// TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.validationCache = ttlcache.New[ValidationResult](ttl)
		r.migrationCache = ttlcache.New[bool](ttl)
	}
}

// New builds a Repository over kvStore, mapping, and signalStore.
func New(kvStore *kv.Store, mapping *lidmap.Store, signalStore *signalstore.Adapter, opts ...Option) *Repository {
	r := &Repository{
		kv:              kvStore,
		mapping:         mapping,
		store:           signalStore,
		logger:          slog.Default(),
		serializer:      serialize.NewProtoBufSerializer(),
		validationCache: ttlcache.New[ValidationResult](DefaultCacheTTL),
		migrationCache:  ttlcache.New[bool](DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetIdentity installs the local Signal identity key pair and registration
// id used by the underlying store adapter. Bootstrapping that identity is
// out of this package's scope.
func (r *Repository) SetIdentity(keyPair *identity.KeyPair, registrationID uint32) {
	r.store.SetIdentity(keyPair, registrationID)
}

// Destroy flushes the validation and migration caches, plus the mapping
// store's own cache. It does not touch persistent state.
func (r *Repository) Destroy() {
	r.validationCache.Clear()
	r.migrationCache.Clear()
	r.mapping.Destroy()
}
