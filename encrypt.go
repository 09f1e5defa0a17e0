package lidcore

import (
	"context"
	"fmt"

	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/session"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

const prekeyMessageType = 3 // protocol.PREKEY_TYPE

func (r *Repository) builderFor(address *protocol.SignalAddress) *session.Builder {
	return session.NewBuilder(r.store, r.store, r.store, r.store, address, r.serializer)
}

func (r *Repository) cipherFor(address *protocol.SignalAddress) *session.Cipher {
	return session.NewCipher(r.builderFor(address), address)
}

func protocolAddress(j jid.JID) *protocol.SignalAddress {
	return protocol.NewSignalAddress(j.User, j.Device)
}

// EncryptMessage encrypts data for jidStr, routing through the optimal
// encryption identity (§4.6): if jidStr is PN-domain and a LID mapping is
// known, it prefers an existing LID session, migrates a PN session to LID
// on first use, or falls back to the original JID address.
func (r *Repository) EncryptMessage(ctx context.Context, jidStr string, data []byte) (*EncryptResult, error) {
	target, err := jid.Parse(jidStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}

	encryptionJID, err := r.optimalEncryptionJID(ctx, target)
	if err != nil {
		return nil, err
	}

	result, err := r.encryptAt(ctx, encryptionJID, data)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EncryptWithWire encrypts against encryptionJID directly (no optimal-JID
// computation) and attaches wireJID to the result unchanged — for callers
// that have already decided which address to encrypt at but need to send
// on a different wire identity.
func (r *Repository) EncryptWithWire(ctx context.Context, encryptionJID, wireJID string, data []byte) (*EncryptResult, error) {
	encJID, err := jid.Parse(encryptionJID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	result, err := r.encryptAt(ctx, encJID, data)
	if err != nil {
		return nil, err
	}
	result.WireJID = wireJID
	return result, nil
}

// optimalEncryptionJID computes the address §4.6's encrypt_message should
// use: if target is PN-domain, consult the mapping for a LID. A known LID
// with an existing LID session wins outright; a known LID with only a PN
// session triggers migration and then uses the LID; otherwise the
// original target JID is used unchanged.
func (r *Repository) optimalEncryptionJID(ctx context.Context, target jid.JID) (jid.JID, error) {
	if !target.IsAnyPN() {
		return target, nil
	}

	res, err := r.mapping.GetLIDForPN(ctx, target.String())
	if err != nil {
		return jid.JID{}, err
	}
	if res == nil {
		return target, nil
	}
	lidJID := res.LIDJID

	if r.store.ContainsSession(protocolAddress(lidJID)) {
		return lidJID, nil
	}
	if !r.store.ContainsSession(protocolAddress(target)) {
		return target, nil
	}

	if _, err := r.MigrateSession(ctx, target.CanonicalPN().String(), jid.JID{User: res.LIDJID.User, Domain: jid.LID}.String()); err != nil {
		r.logger.Warn("lidcore: session migration before encrypt failed, using original jid", "jid", target.String(), "error", err)
		return target, nil
	}
	return lidJID, nil
}

// encryptAt validates the session at address, then encrypts via the
// Signal cipher, translating the wire message type tag.
func (r *Repository) encryptAt(ctx context.Context, target jid.JID, data []byte) (*EncryptResult, error) {
	validation, err := r.ValidateSession(ctx, target.String())
	if err != nil {
		return nil, err
	}
	if !validation.Exists {
		return nil, fmt.Errorf("%w: %s", errs.ErrNoSession, target.String())
	}

	cipher := r.cipherFor(protocolAddress(target))
	ciphertextMessage, err := cipher.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCipherError, err)
	}

	msgType := "msg"
	if ciphertextMessage.Type() == prekeyMessageType {
		msgType = "pkmsg"
	}
	return &EncryptResult{Type: msgType, Ciphertext: ciphertextMessage.Serialize()}, nil
}
