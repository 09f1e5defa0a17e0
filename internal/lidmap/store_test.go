package lidmap

import (
	"context"
	"testing"

	"github.com/wa-core/lidcore/internal/kv"
)

func tempStore(t *testing.T) (*Store, *kv.Store) {
	t.Helper()
	kvStore, err := kv.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvStore.Close() })
	return New(kvStore), kvStore
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)

	m, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if m.PNUser != "15551234567" || m.LIDUser != "abcd" {
		t.Fatalf("got %+v", m)
	}

	lid, err := s.GetLIDForPN(ctx, "15551234567@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if lid == nil || lid.LIDJID.String() != "abcd@lid" {
		t.Fatalf("got %+v", lid)
	}

	pn, err := s.GetPNForLID(ctx, "abcd@lid")
	if err != nil {
		t.Fatal(err)
	}
	if pn == nil || pn.String() != "15551234567@s.whatsapp.net" {
		t.Fatalf("got %+v", pn)
	}
}

func TestStoreEitherArgumentOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)

	if _, err := s.Store(ctx, "15551234567@s.whatsapp.net", "abcd@lid"); err != nil {
		t.Fatal(err)
	}
	lid, err := s.GetLIDForPN(ctx, "15551234567@s.whatsapp.net")
	if err != nil || lid == nil {
		t.Fatalf("got %+v, %v", lid, err)
	}
}

func TestStoreRejectsTwoPNs(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)

	if _, err := s.Store(ctx, "111@s.whatsapp.net", "222@s.whatsapp.net"); err == nil {
		t.Fatal("expected invalid-args error for two PN inputs")
	}
}

func TestStoreDecodeFailed(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)

	if _, err := s.Store(ctx, "not-a-jid", "abcd@lid"); err == nil {
		t.Fatal("expected decode-failed error")
	}
}

func TestDeviceTransfer(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)

	if _, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}

	lid, err := s.GetLIDForPN(ctx, "15551234567:7@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if lid == nil || lid.LIDJID.String() != "abcd:7@lid" {
		t.Fatalf("got %+v", lid)
	}

	pn, err := s.GetPNForLID(ctx, "abcd:7@lid")
	if err != nil {
		t.Fatal(err)
	}
	if pn == nil || pn.String() != "15551234567:7@s.whatsapp.net" {
		t.Fatalf("got %+v", pn)
	}
}

func TestDeviceZeroOmitsDevice(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)
	if _, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}

	lid, err := s.GetLIDForPN(ctx, "15551234567:0@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if lid.LIDJID.String() != "abcd@lid" {
		t.Fatalf("got %q, want no device segment", lid.LIDJID.String())
	}
}

func TestDeviceNinetyNineUsesHostedLID(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)
	if _, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}

	lid, err := s.GetLIDForPN(ctx, "15551234567:99@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if lid.LIDJID.String() != "abcd:99@hosted.lid" {
		t.Fatalf("got %q", lid.LIDJID.String())
	}
}

func TestStoreIdempotent(t *testing.T) {
	ctx := context.Background()
	s, kvStore := tempStore(t)

	if _, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	before, err := kvStore.Get(ctx, Namespace, []string{"15551234567", "abcd_reverse"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	after, err := kvStore.Get(ctx, Namespace, []string{"15551234567", "abcd_reverse"})
	if err != nil {
		t.Fatal(err)
	}

	if string(before["15551234567"]) != string(after["15551234567"]) ||
		string(before["abcd_reverse"]) != string(after["abcd_reverse"]) {
		t.Fatal("expected repeated store to leave identical KV state")
	}
}

func TestGetLIDForPNCacheHitDoesNotCallResolver(t *testing.T) {
	ctx := context.Background()
	kvStore, err := kv.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvStore.Close() })

	calls := 0
	s := New(kvStore, WithResolver(func(ctx context.Context, keys []string) ([]ResolvedPair, error) {
		calls++
		return []ResolvedPair{{PNUser: "15551234567", LIDUser: "abcd"}}, nil
	}))

	first, err := s.GetLIDForPN(ctx, "15551234567@s.whatsapp.net")
	if err != nil || first == nil {
		t.Fatalf("got %+v, %v", first, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 resolver call, got %d", calls)
	}

	second, err := s.GetLIDForPN(ctx, "15551234567@s.whatsapp.net")
	if err != nil || second == nil {
		t.Fatalf("got %+v, %v", second, err)
	}
	if calls != 1 {
		t.Fatalf("expected cache hit to avoid a second resolver call, got %d calls", calls)
	}
}

func TestRemoveAndHas(t *testing.T) {
	ctx := context.Background()
	s, _ := tempStore(t)

	if ok, err := s.Has(ctx, "15551234567"); err != nil || ok {
		t.Fatalf("expected unknown mapping, got ok=%v err=%v", ok, err)
	}

	if _, err := s.Store(ctx, "abcd@lid", "15551234567@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Has(ctx, "15551234567"); err != nil || !ok {
		t.Fatalf("expected known forward key, got ok=%v err=%v", ok, err)
	}
	if ok, err := s.Has(ctx, "abcd"); err != nil || !ok {
		t.Fatalf("expected known reverse key, got ok=%v err=%v", ok, err)
	}

	removed, err := s.Remove(ctx, "15551234567")
	if err != nil || !removed {
		t.Fatalf("got removed=%v err=%v", removed, err)
	}
	if ok, _ := s.Has(ctx, "15551234567"); ok {
		t.Fatal("expected forward key gone after remove")
	}
	if ok, _ := s.Has(ctx, "abcd"); ok {
		t.Fatal("expected reverse key gone after remove")
	}

	removed, err = s.Remove(ctx, "15551234567")
	if err != nil || removed {
		t.Fatalf("expected no-op remove, got removed=%v err=%v", removed, err)
	}
}
