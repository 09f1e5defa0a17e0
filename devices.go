package lidcore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wa-core/lidcore/internal/errs"
	"github.com/wa-core/lidcore/internal/jid"
)

// NamespaceDeviceList is the KV namespace mapping a PN user to its known
// device numbers, per spec §6.
const NamespaceDeviceList = "device-list"

func encodeDeviceList(devices []uint32) []byte {
	strs := make([]string, len(devices))
	for i, d := range devices {
		strs[i] = strconv.FormatUint(uint64(d), 10)
	}
	return []byte(strings.Join(strs, ","))
}

func decodeDeviceList(data []byte) []uint32 {
	s := string(data)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	devices := make([]uint32, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}
		devices = append(devices, uint32(d))
	}
	return devices
}

// GetDevices returns the known device numbers for pnUser, or nil if the
// user has no recorded device list.
func (r *Repository) GetDevices(ctx context.Context, pnUser string) ([]uint32, error) {
	v, ok, err := r.kv.GetOne(ctx, NamespaceDeviceList, pnUser)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	if !ok {
		return nil, nil
	}
	return decodeDeviceList(v), nil
}

// SetDevices replaces the device list for pnUser.
func (r *Repository) SetDevices(ctx context.Context, pnUser string, devices []uint32) error {
	if err := r.kv.Set(ctx, map[string]map[string][]byte{
		NamespaceDeviceList: {pnUser: encodeDeviceList(devices)},
	}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	return nil
}

// AddDevice adds deviceID to pnUser's device list. Idempotent.
func (r *Repository) AddDevice(ctx context.Context, pnUser string, deviceID uint32) error {
	devices, err := r.GetDevices(ctx, pnUser)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d == deviceID {
			return nil
		}
	}
	return r.SetDevices(ctx, pnUser, append(devices, deviceID))
}

// RemoveDevice removes deviceID from pnUser's device list. Idempotent.
func (r *Repository) RemoveDevice(ctx context.Context, pnUser string, deviceID uint32) error {
	devices, err := r.GetDevices(ctx, pnUser)
	if err != nil {
		return err
	}
	out := make([]uint32, 0, len(devices))
	for _, d := range devices {
		if d != deviceID {
			out = append(out, d)
		}
	}
	return r.SetDevices(ctx, pnUser, out)
}

// DeleteAllSessions removes every session record for pnUser's known
// devices, on either the PN or LID address, and clears the corresponding
// validation cache entries. Used for explicit session reset or logout
// (spec §3's lifecycle mentions this without naming the operation).
func (r *Repository) DeleteAllSessions(ctx context.Context, pnUser string) error {
	devices, err := r.GetDevices(ctx, pnUser)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		devices = []uint32{0}
	}

	pnJID := jid.JID{User: pnUser, Domain: jid.PN}
	var lidUser string
	if res, err := r.mapping.GetLIDForPN(ctx, pnJID.String()); err == nil && res != nil {
		lidUser = res.LIDJID.User
	}

	for _, d := range devices {
		_ = r.DeleteSession(ctx, jid.JID{User: pnUser, Device: d, Domain: jid.PN}.String())
		if lidUser != "" {
			lidDevice := jid.JID{User: lidUser, Domain: jid.LID}.WithDevice(d)
			_ = r.DeleteSession(ctx, lidDevice.String())
		}
	}
	return nil
}
