package signalstore

import (
	"context"
	"errors"
	"testing"

	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"

	"github.com/wa-core/lidcore/internal/kv"
	"github.com/wa-core/lidcore/internal/lidmap"
)

func tempAdapter(t *testing.T) (*Adapter, *kv.Store) {
	t.Helper()
	kvStore, err := kv.Open("")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { kvStore.Close() })
	mapping := lidmap.New(kvStore)
	return New(kvStore, mapping, serialize.NewProtoBufSerializer(), nil), kvStore
}

func TestContainsAndDeleteSessionAreRawKVPassthroughs(t *testing.T) {
	ctx := context.Background()
	a, kvStore := tempAdapter(t)
	addr := protocol.NewSignalAddress("15551234567", 0)

	if a.ContainsSession(addr) {
		t.Fatal("expected no session initially")
	}

	if err := kvStore.Set(ctx, map[string]map[string][]byte{
		NamespaceSession: {AddressKey(addr): []byte("opaque-record-bytes")},
	}); err != nil {
		t.Fatal(err)
	}

	if !a.ContainsSession(addr) {
		t.Fatal("expected session to be present after raw write")
	}

	a.DeleteSession(addr)
	if a.ContainsSession(addr) {
		t.Fatal("expected session removed after DeleteSession")
	}
}

func TestGetSubDeviceSessionsListsOtherDevices(t *testing.T) {
	ctx := context.Background()
	a, kvStore := tempAdapter(t)

	if err := kvStore.Set(ctx, map[string]map[string][]byte{
		NamespaceSession: {
			"15551234567.0":  []byte("x"),
			"15551234567.3":  []byte("x"),
			"15551234567.99": []byte("x"),
			"99999999999.0":  []byte("x"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	devices := a.GetSubDeviceSessions("15551234567")
	if len(devices) != 2 {
		t.Fatalf("got %v, want 2 sub-devices (device 0 excluded)", devices)
	}
}

func TestDeleteAllSessionsClearsNamespace(t *testing.T) {
	ctx := context.Background()
	a, kvStore := tempAdapter(t)

	if err := kvStore.Set(ctx, map[string]map[string][]byte{
		NamespaceSession: {
			"aaa.0": []byte("x"),
			"bbb.0": []byte("x"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	a.DeleteAllSessions()

	got, err := kvStore.Keys(ctx, NamespaceSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty session namespace", got)
	}
}

func TestPreferredLIDAddressFoundWhenMapped(t *testing.T) {
	ctx := context.Background()
	a, kvStore := tempAdapter(t)

	if _, err := a.mapping.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}

	lidAddr := protocol.NewSignalAddress("abcd", 0)
	pnAddr := protocol.NewSignalAddress("15551234567", 0)

	if err := kvStore.Set(ctx, map[string]map[string][]byte{
		NamespaceSession: {
			AddressKey(lidAddr): []byte("lid-bytes"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	lidAddrKey, ok := a.preferredLIDAddress(ctx, pnAddr)
	if !ok {
		t.Fatal("expected a preferred LID address to be found")
	}
	if AddressKey(lidAddrKey) != AddressKey(lidAddr) {
		t.Fatalf("got %q, want %q", AddressKey(lidAddrKey), AddressKey(lidAddr))
	}
}

// TestPreferredLIDAddressNeverInvokesResolver verifies spec §4.5 step 2:
// the LID-preference read consults only the cache and KV, never the
// directory resolver, even when the resolver would happily answer.
func TestPreferredLIDAddressNeverInvokesResolver(t *testing.T) {
	ctx := context.Background()
	kvStore, err := kv.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvStore.Close() })

	resolverCalled := false
	mapping := lidmap.New(kvStore, lidmap.WithResolver(func(ctx context.Context, pnUserKeys []string) ([]lidmap.ResolvedPair, error) {
		resolverCalled = true
		return []lidmap.ResolvedPair{{PNUser: "15551234567", LIDUser: "abcd"}}, nil
	}))
	a := New(kvStore, mapping, serialize.NewProtoBufSerializer(), nil)

	pnAddr := protocol.NewSignalAddress("15551234567", 0)
	if _, ok := a.preferredLIDAddress(ctx, pnAddr); ok {
		t.Fatal("expected no preferred LID address without a cache/KV entry")
	}
	if resolverCalled {
		t.Fatal("expected the directory resolver to never be invoked by a session read")
	}
}

// TestLoadSessionSkipsForwardLookupForKnownLIDAddress verifies spec §4.5
// step 1: an address whose user is already known as a LID user is loaded
// directly, without attempting a PN→LID forward lookup keyed on it.
func TestLoadSessionSkipsForwardLookupForKnownLIDAddress(t *testing.T) {
	ctx := context.Background()
	a, kvStore := tempAdapter(t)

	if _, err := a.mapping.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}

	lidAddr := protocol.NewSignalAddress("abcd", 0)
	if err := kvStore.Set(ctx, map[string]map[string][]byte{
		NamespaceSession: {
			AddressKey(lidAddr): []byte("lid-bytes"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	if !a.isKnownLIDAddress(ctx, lidAddr) {
		t.Fatal("expected the lid address to be recognized as already-lid")
	}

	rec := a.LoadSession(lidAddr)
	if rec == nil {
		t.Fatal("expected a session record")
	}
}

func TestPeekLIDForPNNeverInvokesResolver(t *testing.T) {
	ctx := context.Background()
	kvStore, err := kv.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvStore.Close() })

	mapping := lidmap.New(kvStore, lidmap.WithResolver(func(ctx context.Context, pnUserKeys []string) ([]lidmap.ResolvedPair, error) {
		t.Fatal("resolver must never be called by PeekLIDForPN")
		return nil, errors.New("unreachable")
	}))

	res, err := mapping.PeekLIDForPN(ctx, "15551234567@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("got %+v, want nil for an unmapped pn", res)
	}
}
