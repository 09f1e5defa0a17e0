// Package signalstore implements the Signal Protocol store interfaces
// (go.mau.fi/libsignal's session/prekey/signed-prekey/sender-key/identity
// contracts) over the persistent key-value adapter, with LID-preferred
// session-read routing: a load for a PN-addressed session first checks
// whether the peer's LID is known and a LID-addressed session exists.
package signalstore

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"go.mau.fi/libsignal/groups/state/record"
	groupStore "go.mau.fi/libsignal/groups/state/store"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	signalrecord "go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/state/store"

	"github.com/wa-core/lidcore/internal/jid"
	"github.com/wa-core/lidcore/internal/kv"
	"github.com/wa-core/lidcore/internal/lidmap"
)

// Namespaces, per spec §6.
const (
	NamespaceSession      = "session"
	NamespacePreKey       = "pre-key"
	NamespaceSignedPreKey = "signed-pre-key"
	NamespaceSenderKey    = "sender-key"
	NamespaceDeviceList   = "device-list"
	// NamespaceIdentity is not one of spec §6's six enumerated namespaces,
	// but IsTrustedIdentity/SaveIdentity (both required by §4.5) have
	// nowhere else to persist remote identity keys; see DESIGN.md.
	NamespaceIdentity = "identity"
)

// x25519PublicKeyType is the Signal wire type byte prepended to a raw
// X25519 public key. Spec §4.5: "Signed identity public keys must be
// prefixed with the Signal X25519 type byte on return."
const x25519PublicKeyType = 0x05

// Adapter implements the Signal store capability set over a KV namespace
// set, consulting mapping for LID-preferred session reads.
type Adapter struct {
	kv         *kv.Store
	mapping    *lidmap.Store
	logger     *slog.Logger
	serializer *serialize.Serializer

	identityKeyPair *identity.KeyPair
	registrationID  uint32
}

// compile-time capability checks, mirroring the teacher's
// `var _ libsignal.SessionStore = (*Store)(nil)` idiom.
var (
	_ store.Session      = (*Adapter)(nil)
	_ store.PreKey       = (*Adapter)(nil)
	_ store.SignedPreKey = (*Adapter)(nil)
	_ store.IdentityKey  = (*Adapter)(nil)
	_ groupStore.SenderKey = (*Adapter)(nil)
)

// New builds an Adapter over kvStore, using mapping for LID-preferred
// session read routing and serializer to decode/encode Signal records.
func New(kvStore *kv.Store, mapping *lidmap.Store, serializer *serialize.Serializer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{kv: kvStore, mapping: mapping, serializer: serializer, logger: logger}
}

// SetIdentity installs the local identity key pair and registration id
// this adapter reports through GetIdentityKeyPair/GetLocalRegistrationId.
// Bootstrapping that identity (generation, persistence across restarts) is
// out of this package's scope — the caller owns it.
func (a *Adapter) SetIdentity(keyPair *identity.KeyPair, registrationID uint32) {
	a.identityKeyPair = keyPair
	a.registrationID = registrationID
}

func addressKey(addr *protocol.SignalAddress) string {
	return addr.Name() + "." + strconv.FormatUint(uint64(addr.DeviceID()), 10)
}

// AddressKey exports the session-namespace key format for an address, for
// callers that need to batch-read or batch-write session records directly
// (the bulk PN→LID migration) without going through the Signal store
// interface, which has no batch or transactional primitives of its own.
func AddressKey(addr *protocol.SignalAddress) string { return addressKey(addr) }

// DecodeSession deserializes a stored session record using serializer.
// Exposed for the bulk-migration path, which must inspect
// haveOpenSession() on raw KV-read bytes before deciding whether to
// migrate a device.
func DecodeSession(data []byte, serializer *serialize.Serializer) (*signalrecord.Session, error) {
	return signalrecord.NewSessionFromBytes(data, serializer.Session, serializer.State)
}

func addressJID(addr *protocol.SignalAddress, domain string) jid.JID {
	return jid.JID{User: addr.Name(), Device: addr.DeviceID(), Domain: domain}
}

func jidAddress(j jid.JID) *protocol.SignalAddress {
	return protocol.NewSignalAddress(j.User, j.Device)
}

// --- Session store ---------------------------------------------------

// LoadSession loads the session record for address, preferring the LID
// address space per spec §4.5: if address is already LID-domain, load
// directly (step 1); otherwise consult the mapping cache/KV only — never
// the directory resolver (step 2) — for a known LID, and if a LID-
// addressed session exists, return it instead of the PN-addressed one.
func (a *Adapter) LoadSession(address *protocol.SignalAddress) *signalrecord.Session {
	ctx := context.Background()

	if a.mapping != nil && !a.isKnownLIDAddress(ctx, address) {
		if lidAddr, ok := a.preferredLIDAddress(ctx, address); ok {
			if rec, ok := a.loadSessionRaw(ctx, lidAddr); ok {
				return rec
			}
		}
	}

	rec, ok := a.loadSessionRaw(ctx, address)
	if !ok {
		return signalrecord.NewSession(nil, nil)
	}
	return rec
}

// isKnownLIDAddress reports whether address's user is already known as a
// LID user (step 1 of spec §4.5: "if the address is already LID-domain,
// load directly"). protocol.SignalAddress carries no domain field of its
// own, so this is answered by checking the mapping's reverse side
// (cache/KV only, never the resolver) rather than by inspecting address —
// an address whose user already has a recorded PN counterpart is a LID
// address, and the PN→LID forward lookup below must not run for it.
func (a *Adapter) isKnownLIDAddress(ctx context.Context, address *protocol.SignalAddress) bool {
	known, err := a.mapping.IsKnownLIDUser(ctx, address.Name())
	if err != nil {
		a.logger.Warn("signalstore: known-lid-user check failed", "name", address.Name(), "error", err)
		return false
	}
	return known
}

// preferredLIDAddress returns the LID-addressed equivalent of address, if
// a mapping is already known from cache or KV. It never invokes the
// directory resolver — spec §4.5 step 2 is cache+KV only — by calling
// mapping.PeekLIDForPN instead of the resolver-backed GetLIDForPN.
func (a *Adapter) preferredLIDAddress(ctx context.Context, address *protocol.SignalAddress) (*protocol.SignalAddress, bool) {
	pn := addressJID(address, jid.PN)
	res, err := a.mapping.PeekLIDForPN(ctx, pn.String())
	if err != nil {
		a.logger.Warn("signalstore: lid lookup for session read failed", "address", pn.String(), "error", err)
		return nil, false
	}
	if res == nil {
		return nil, false
	}
	return jidAddress(res.LIDJID), true
}

func (a *Adapter) loadSessionRaw(ctx context.Context, address *protocol.SignalAddress) (*signalrecord.Session, bool) {
	v, ok, err := a.kv.GetOne(ctx, NamespaceSession, addressKey(address))
	if err != nil {
		a.logger.Warn("signalstore: load session failed", "address", addressKey(address), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	rec, err := signalrecord.NewSessionFromBytes(v, a.serializer.Session, a.serializer.State)
	if err != nil {
		a.logger.Warn("signalstore: deserialize session failed", "address", addressKey(address), "error", err)
		return nil, false
	}
	return rec, true
}

// GetSubDeviceSessions returns the ids of the devices other than device 0
// that have a stored session under the given user name.
func (a *Adapter) GetSubDeviceSessions(name string) []uint32 {
	ctx := context.Background()
	keys, err := a.kv.Keys(ctx, NamespaceSession)
	if err != nil {
		a.logger.Warn("signalstore: list sub-device sessions failed", "name", name, "error", err)
		return nil
	}

	var devices []uint32
	prefix := name + "."
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		devStr := strings.TrimPrefix(k, prefix)
		if devStr == "0" {
			continue
		}
		if d, err := strconv.ParseUint(devStr, 10, 32); err == nil {
			devices = append(devices, uint32(d))
		}
	}
	return devices
}

// StoreSession persists record for address.
func (a *Adapter) StoreSession(address *protocol.SignalAddress, sessionRecord *signalrecord.Session) {
	data := sessionRecord.Serialize()
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespaceSession: {addressKey(address): data},
	}); err != nil {
		a.logger.Warn("signalstore: store session failed", "address", addressKey(address), "error", err)
	}
}

// ContainsSession reports whether a session record exists for address.
func (a *Adapter) ContainsSession(address *protocol.SignalAddress) bool {
	_, ok, err := a.kv.GetOne(context.Background(), NamespaceSession, addressKey(address))
	if err != nil {
		a.logger.Warn("signalstore: contains session check failed", "address", addressKey(address), "error", err)
		return false
	}
	return ok
}

// DeleteSession removes the session record for address.
func (a *Adapter) DeleteSession(address *protocol.SignalAddress) {
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespaceSession: {addressKey(address): nil},
	}); err != nil {
		a.logger.Warn("signalstore: delete session failed", "address", addressKey(address), "error", err)
	}
}

// DeleteAllSessions removes every stored session record. Used by full
// logout, not by per-user session reset (see Repository.DeleteAllSessions
// for the scoped version).
func (a *Adapter) DeleteAllSessions() {
	ctx := context.Background()
	keys, err := a.kv.Keys(ctx, NamespaceSession)
	if err != nil {
		a.logger.Warn("signalstore: list sessions for delete-all failed", "error", err)
		return
	}
	writes := make(map[string][]byte, len(keys))
	for _, k := range keys {
		writes[k] = nil
	}
	if err := a.kv.Set(ctx, map[string]map[string][]byte{NamespaceSession: writes}); err != nil {
		a.logger.Warn("signalstore: delete-all sessions failed", "error", err)
	}
}

// --- Pre-key store -----------------------------------------------------

func preKeyKey(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

// LoadPreKey loads a one-time pre-key record by id.
func (a *Adapter) LoadPreKey(id uint32) *signalrecord.PreKey {
	v, ok, err := a.kv.GetOne(context.Background(), NamespacePreKey, preKeyKey(id))
	if err != nil || !ok {
		if err != nil {
			a.logger.Warn("signalstore: load pre-key failed", "id", id, "error", err)
		}
		return nil
	}
	rec, err := signalrecord.NewPreKeyFromBytes(v, a.serializer.PreKeyRecord)
	if err != nil {
		a.logger.Warn("signalstore: deserialize pre-key failed", "id", id, "error", err)
		return nil
	}
	return rec
}

// StorePreKey persists a one-time pre-key record.
func (a *Adapter) StorePreKey(id uint32, preKeyRecord *signalrecord.PreKey) {
	data := preKeyRecord.Serialize()
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespacePreKey: {preKeyKey(id): data},
	}); err != nil {
		a.logger.Warn("signalstore: store pre-key failed", "id", id, "error", err)
	}
}

// ContainsPreKey reports whether a one-time pre-key with id exists.
func (a *Adapter) ContainsPreKey(id uint32) bool {
	_, ok, err := a.kv.GetOne(context.Background(), NamespacePreKey, preKeyKey(id))
	if err != nil {
		a.logger.Warn("signalstore: contains pre-key check failed", "id", id, "error", err)
		return false
	}
	return ok
}

// RemovePreKey deletes a one-time pre-key record.
func (a *Adapter) RemovePreKey(id uint32) {
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespacePreKey: {preKeyKey(id): nil},
	}); err != nil {
		a.logger.Warn("signalstore: remove pre-key failed", "id", id, "error", err)
	}
}

// --- Signed pre-key store ----------------------------------------------

// LoadSignedPreKey loads a signed pre-key record by id.
func (a *Adapter) LoadSignedPreKey(id uint32) *signalrecord.SignedPreKey {
	v, ok, err := a.kv.GetOne(context.Background(), NamespaceSignedPreKey, preKeyKey(id))
	if err != nil || !ok {
		if err != nil {
			a.logger.Warn("signalstore: load signed pre-key failed", "id", id, "error", err)
		}
		return nil
	}
	rec, err := signalrecord.NewSignedPreKeyFromBytes(v, a.serializer.SignedPreKeyRecord)
	if err != nil {
		a.logger.Warn("signalstore: deserialize signed pre-key failed", "id", id, "error", err)
		return nil
	}
	return rec
}

// LoadSignedPreKeys returns every stored signed pre-key record.
func (a *Adapter) LoadSignedPreKeys() []*signalrecord.SignedPreKey {
	ctx := context.Background()
	keys, err := a.kv.Keys(ctx, NamespaceSignedPreKey)
	if err != nil {
		a.logger.Warn("signalstore: list signed pre-keys failed", "error", err)
		return nil
	}
	vals, err := a.kv.Get(ctx, NamespaceSignedPreKey, keys)
	if err != nil {
		a.logger.Warn("signalstore: load signed pre-keys failed", "error", err)
		return nil
	}
	out := make([]*signalrecord.SignedPreKey, 0, len(vals))
	for _, v := range vals {
		rec, err := signalrecord.NewSignedPreKeyFromBytes(v, a.serializer.SignedPreKeyRecord)
		if err != nil {
			a.logger.Warn("signalstore: deserialize signed pre-key failed", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// StoreSignedPreKey persists a signed pre-key record.
func (a *Adapter) StoreSignedPreKey(id uint32, signedPreKeyRecord *signalrecord.SignedPreKey) {
	data := signedPreKeyRecord.Serialize()
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespaceSignedPreKey: {preKeyKey(id): data},
	}); err != nil {
		a.logger.Warn("signalstore: store signed pre-key failed", "id", id, "error", err)
	}
}

// ContainsSignedPreKey reports whether a signed pre-key with id exists.
func (a *Adapter) ContainsSignedPreKey(id uint32) bool {
	_, ok, err := a.kv.GetOne(context.Background(), NamespaceSignedPreKey, preKeyKey(id))
	if err != nil {
		a.logger.Warn("signalstore: contains signed pre-key check failed", "id", id, "error", err)
		return false
	}
	return ok
}

// RemoveSignedPreKey deletes a signed pre-key record.
func (a *Adapter) RemoveSignedPreKey(id uint32) {
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespaceSignedPreKey: {preKeyKey(id): nil},
	}); err != nil {
		a.logger.Warn("signalstore: remove signed pre-key failed", "id", id, "error", err)
	}
}

// --- Identity key store --------------------------------------------------

// GetIdentityKeyPair returns the local identity key pair set via
// SetIdentity.
func (a *Adapter) GetIdentityKeyPair() *identity.KeyPair {
	return a.identityKeyPair
}

// GetLocalRegistrationId returns the local registration id set via
// SetIdentity.
func (a *Adapter) GetLocalRegistrationId() uint32 {
	return a.registrationID
}

// SaveIdentity persists a remote party's identity public key.
func (a *Adapter) SaveIdentity(address *protocol.SignalAddress, identityKey *identity.Key) {
	data := prefixX25519(identityKey.PublicKey().Serialize())
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespaceIdentity: {addressKey(address): data},
	}); err != nil {
		a.logger.Warn("signalstore: save identity failed", "address", addressKey(address), "error", err)
	}
}

// IsTrustedIdentity implements trust-on-first-use: an address with no
// stored identity key is trusted; otherwise the stored key must match.
func (a *Adapter) IsTrustedIdentity(address *protocol.SignalAddress, identityKey *identity.Key) bool {
	v, ok, err := a.kv.GetOne(context.Background(), NamespaceIdentity, addressKey(address))
	if err != nil {
		a.logger.Warn("signalstore: is-trusted-identity check failed", "address", addressKey(address), "error", err)
		return false
	}
	if !ok {
		return true
	}
	return string(stripX25519(v)) == string(identityKey.PublicKey().Serialize())
}

func prefixX25519(pub []byte) []byte {
	out := make([]byte, 0, len(pub)+1)
	out = append(out, x25519PublicKeyType)
	return append(out, pub...)
}

func stripX25519(prefixed []byte) []byte {
	if len(prefixed) > 0 && prefixed[0] == x25519PublicKeyType {
		return prefixed[1:]
	}
	return prefixed
}

// --- Sender key store (group cipher) ------------------------------------

func senderKeyKey(name *protocol.SenderKeyName) string {
	return name.GroupID() + "::" + name.Sender().Name() + "." + strconv.FormatUint(uint64(name.Sender().DeviceID()), 10)
}

// LoadSenderKey loads the sender key record for name, or an empty record
// if none exists, matching go.mau.fi/libsignal's expectation that callers
// always get back a usable (possibly empty) record.
func (a *Adapter) LoadSenderKey(name *protocol.SenderKeyName) *record.SenderKey {
	v, ok, err := a.kv.GetOne(context.Background(), NamespaceSenderKey, senderKeyKey(name))
	if err != nil {
		a.logger.Warn("signalstore: load sender key failed", "key", senderKeyKey(name), "error", err)
		return record.NewSenderKey(nil, nil)
	}
	if !ok {
		return record.NewSenderKey(nil, nil)
	}
	rec, err := record.NewSenderKeyFromBytes(v, a.serializer.SenderKeyRecord, a.serializer.SenderKeyState)
	if err != nil {
		a.logger.Warn("signalstore: deserialize sender key failed", "key", senderKeyKey(name), "error", err)
		return record.NewSenderKey(nil, nil)
	}
	return rec
}

// StoreSenderKey persists the sender key record for name.
func (a *Adapter) StoreSenderKey(name *protocol.SenderKeyName, keyRecord *record.SenderKey) {
	data := keyRecord.Serialize()
	if err := a.kv.Set(context.Background(), map[string]map[string][]byte{
		NamespaceSenderKey: {senderKeyKey(name): data},
	}); err != nil {
		a.logger.Warn("signalstore: store sender key failed", "key", senderKeyKey(name), "error", err)
	}
}
