package lidcore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
	"github.com/wa-core/lidcore/internal/signalstore"
)

func migrationCacheKey(pnUser string, device uint32) string {
	return pnUser + "." + strconv.FormatUint(uint64(device), 10)
}

// MigrateSession bulk-migrates every PN-addressed session of pn's user to
// the LID address space (§4.6.2). It is triggered when encrypting to a PN
// peer whose LID is now known, but may also be called directly.
//
// Atomicity: either every eligible device's session moves from its PN
// address to its LID address, or (on any storage failure) none does. No
// session is ever present at both addresses after a successful commit.
func (r *Repository) MigrateSession(ctx context.Context, pn, lid string) (*MigrationResult, error) {
	source, err := jid.Parse(pn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	if !source.IsAnyPN() {
		return &MigrationResult{Total: 1}, nil
	}
	target, err := jid.Parse(lid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecodeFailed, err)
	}
	if !target.IsAnyLID() {
		return &MigrationResult{}, nil
	}

	pnUser := source.CanonicalPN().User
	devices, err := r.GetDevices(ctx, pnUser)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return &MigrationResult{}, nil
	}

	devices = unionDevice(devices, source.Device)
	devices = r.dropAlreadyMigrated(pnUser, devices)
	total := len(devices)
	if total == 0 {
		return &MigrationResult{}, nil
	}

	pnKeys := make([]string, len(devices))
	pnAddrs := make(map[string]uint32, len(devices))
	for i, d := range devices {
		key := signalstore.AddressKey(protocolAddress(jid.JID{User: pnUser, Device: d}))
		pnKeys[i] = key
		pnAddrs[key] = d
	}

	records, err := r.kv.Get(ctx, signalstore.NamespaceSession, pnKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	writes := make(map[string][]byte)
	migrated := 0
	var migratedDevices []uint32
	for _, key := range pnKeys {
		data, ok := records[key]
		if !ok {
			continue
		}
		rec, err := signalstore.DecodeSession(data, r.serializer)
		if err != nil {
			r.logger.Warn("lidcore: migrate session: undecodable record, skipping", "key", key, "error", err)
			continue
		}
		if !rec.HaveOpenSession() {
			continue
		}

		device := pnAddrs[key]
		lidJID := jid.JID{User: target.User, Domain: jid.LID}.WithDevice(device)
		lidKey := signalstore.AddressKey(protocolAddress(lidJID))

		writes[lidKey] = data
		writes[key] = nil
		migrated++
		migratedDevices = append(migratedDevices, device)
	}

	if migrated == 0 {
		return &MigrationResult{Skipped: total, Total: total}, nil
	}

	if err := r.kv.Transaction(ctx, func(ctx context.Context) error {
		if err := r.kv.Set(ctx, map[string]map[string][]byte{
			signalstore.NamespaceSession: writes,
		}); err != nil {
			return err
		}
		for _, d := range migratedDevices {
			r.validationCache.Delete(validationCacheKey(jid.JID{User: pnUser, Device: d, Domain: jid.PN}.String()))
			r.validationCache.Delete(validationCacheKey(jid.JID{User: target.User, Domain: jid.LID}.WithDevice(d).String()))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	for _, d := range migratedDevices {
		r.migrationCache.Set(migrationCacheKey(pnUser, d), true)
	}

	return &MigrationResult{Migrated: migrated, Skipped: total - migrated, Total: total}, nil
}

func unionDevice(devices []uint32, device uint32) []uint32 {
	for _, d := range devices {
		if d == device {
			return devices
		}
	}
	return append(devices, device)
}

func (r *Repository) dropAlreadyMigrated(pnUser string, devices []uint32) []uint32 {
	out := make([]uint32, 0, len(devices))
	for _, d := range devices {
		if _, migrated := r.migrationCache.Get(migrationCacheKey(pnUser, d)); migrated {
			continue
		}
		out = append(out, d)
	}
	return out
}
