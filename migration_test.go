package lidcore

import (
	"context"
	"testing"

	"github.com/wa-core/lidcore/internal/signalstore"
)

func TestMigrateSessionGuardsNonPNSource(t *testing.T) {
	ctx := context.Background()
	r, _ := tempRepository(t)

	result, err := r.MigrateSession(ctx, "abcd@lid", "efgh@lid")
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 || result.Migrated != 0 {
		t.Fatalf("got %+v", result)
	}
}

func TestMigrateSessionGuardsNonLIDTarget(t *testing.T) {
	ctx := context.Background()
	r, _ := tempRepository(t)

	result, err := r.MigrateSession(ctx, "15551234567@s.whatsapp.net", "99999999999@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if result.Migrated != 0 || result.Skipped != 0 || result.Total != 0 {
		t.Fatalf("got %+v", result)
	}
}

func TestMigrateSessionNoDeviceListIsNoop(t *testing.T) {
	ctx := context.Background()
	r, _ := tempRepository(t)

	result, err := r.MigrateSession(ctx, "15551234567@s.whatsapp.net", "abcd@lid")
	if err != nil {
		t.Fatal(err)
	}
	if result.Migrated != 0 || result.Skipped != 0 || result.Total != 0 {
		t.Fatalf("got %+v", result)
	}
}

func TestMigrateSessionSkipsDevicesWithoutSessions(t *testing.T) {
	ctx := context.Background()
	r, _ := tempRepository(t)

	if err := r.SetDevices(ctx, "15551234567", []uint32{0, 3, 99}); err != nil {
		t.Fatal(err)
	}

	result, err := r.MigrateSession(ctx, "15551234567@s.whatsapp.net", "abcd@lid")
	if err != nil {
		t.Fatal(err)
	}
	if result.Migrated != 0 || result.Skipped != 3 || result.Total != 3 {
		t.Fatalf("got %+v, want no migrations when no PN sessions exist", result)
	}
}

func TestMigrateSessionDropsAlreadyMigratedDevices(t *testing.T) {
	ctx := context.Background()
	r, _ := tempRepository(t)

	if err := r.SetDevices(ctx, "15551234567", []uint32{0}); err != nil {
		t.Fatal(err)
	}
	r.migrationCache.Set(migrationCacheKey("15551234567", 0), true)

	result, err := r.MigrateSession(ctx, "15551234567@s.whatsapp.net", "abcd@lid")
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 0 {
		t.Fatalf("got %+v, want total 0 since the only device was already migrated", result)
	}
}

func TestMigrateSessionToleratesUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	r, kvStore := tempRepository(t)

	if err := r.SetDevices(ctx, "15551234567", []uint32{0}); err != nil {
		t.Fatal(err)
	}
	if err := kvStore.Set(ctx, map[string]map[string][]byte{
		signalstore.NamespaceSession: {"15551234567.0": []byte("not-a-valid-session-record")},
	}); err != nil {
		t.Fatal(err)
	}

	result, err := r.MigrateSession(ctx, "15551234567@s.whatsapp.net", "abcd@lid")
	if err != nil {
		t.Fatal(err)
	}
	if result.Migrated != 0 {
		t.Fatalf("got %+v, want 0 migrated for an undecodable record", result)
	}

	_, ok, err := kvStore.GetOne(ctx, signalstore.NamespaceSession, "15551234567.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the undecodable record to stay at its PN address")
	}
}
