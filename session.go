package lidcore

import (
	"context"
	"fmt"

	"go.mau.fi/libsignal/keys/prekey"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

func validationCacheKey(jidStr string) string { return "validation:" + jidStr }

// InjectSession installs bundle as a fresh outgoing Signal session at
// jidStr's address.
func (r *Repository) InjectSession(ctx context.Context, jidStr string, bundle *prekey.Bundle) error {
	target, err := jid.Parse(jidStr)
	if err != nil {
		r.logger.Warn("lidcore: inject session: invalid jid", "jid", jidStr, "error", err)
		return fmt.Errorf("%w: %v", errs.ErrInvalidArgs, err)
	}
	address := protocolAddress(target)
	return r.builderFor(address).ProcessBundle(bundle)
}

// ValidateSession reports whether a usable (open-ratchet) session exists
// at jidStr's address. Results are memoized for one hour under
// "validation:<jid>"; DeleteSession and MigrateSession (for the PN and LID
// addresses of each device it migrates) evict entries early.
func (r *Repository) ValidateSession(ctx context.Context, jidStr string) (*ValidationResult, error) {
	target, err := jid.Parse(jidStr)
	if err != nil {
		return &ValidationResult{Exists: false, Reason: ReasonInvalidJID}, nil
	}

	key := validationCacheKey(target.String())
	if cached, ok := r.validationCache.Get(key); ok {
		return &cached, nil
	}

	result := r.validateSessionUncached(target)
	r.validationCache.Set(key, result)
	return &result, nil
}

func (r *Repository) validateSessionUncached(target jid.JID) ValidationResult {
	address := protocolAddress(target)
	if !r.store.ContainsSession(address) {
		return ValidationResult{Exists: false, Reason: ReasonNoSession}
	}
	rec := r.store.LoadSession(address)
	if rec == nil || !rec.HaveOpenSession() {
		return ValidationResult{Exists: false, Reason: ReasonNoOpenSession}
	}
	return ValidationResult{Exists: true}
}

// DeleteSession removes the session record at jidStr's address and evicts
// its validation cache entry. An invalid JID is a no-op warning, not an
// error. A single record delete is already atomic via the underlying
// store's own write path, so no explicit transaction wrapper is needed
// here — multi-record atomicity is what MigrateSession's shared
// transaction is for.
func (r *Repository) DeleteSession(ctx context.Context, jidStr string) error {
	target, err := jid.Parse(jidStr)
	if err != nil {
		r.logger.Warn("lidcore: delete session: invalid jid, ignoring", "jid", jidStr, "error", err)
		return nil
	}

	r.store.DeleteSession(protocolAddress(target))
	r.validationCache.Delete(validationCacheKey(target.String()))
	return nil
}
