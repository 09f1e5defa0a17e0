// Package jid parses and formats WhatsApp identifiers of the form
// user[:device]@domain, and classifies them into the PN and LID address
// spaces the identity-mapping store bridges.
package jid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Domain values accepted on parse and emitted on format.
const (
	PN        = "s.whatsapp.net"
	HostedPN  = "hosted"
	LID       = "lid"
	HostedLID = "hosted.lid"
)

// HostedDeviceID is the device number hosted-companion devices conventionally use.
const HostedDeviceID = 99

// ErrEmptyUser is returned when the user part of a JID is empty.
var ErrEmptyUser = errors.New("jid: empty user")

// ErrMalformed is returned when a JID string does not match the grammar
// user[:device]@domain.
var ErrMalformed = errors.New("jid: malformed")

// JID is a decoded WhatsApp identifier.
type JID struct {
	User   string
	Device uint32
	Domain string
}

// Parse decodes a jid string. The device segment defaults to 0 when absent.
// Parse rejects an empty user part but accepts any non-empty domain,
// including domains outside the four WhatsApp uses — classification
// functions simply return false for those.
func Parse(s string) (JID, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return JID{}, fmt.Errorf("%w: %q: missing @domain", ErrMalformed, s)
	}
	left, domain := s[:at], s[at+1:]
	if domain == "" {
		return JID{}, fmt.Errorf("%w: %q: empty domain", ErrMalformed, s)
	}

	user := left
	var device uint32
	if colon := strings.IndexByte(left, ':'); colon >= 0 {
		user = left[:colon]
		devStr := left[colon+1:]
		d, err := strconv.ParseUint(devStr, 10, 32)
		if err != nil {
			return JID{}, fmt.Errorf("%w: %q: bad device %q: %v", ErrMalformed, s, devStr, err)
		}
		device = uint32(d)
	}
	if user == "" {
		return JID{}, fmt.Errorf("%w: %q", ErrEmptyUser, s)
	}

	return JID{User: user, Device: device, Domain: domain}, nil
}

// MustParse is Parse, panicking on error. Intended for tests and constants.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// String formats the JID, omitting the device segment when it is 0.
func (j JID) String() string {
	if j.Device == 0 {
		return j.User + "@" + j.Domain
	}
	return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Domain)
}

// IsPN reports whether j is an ordinary phone-number address.
func (j JID) IsPN() bool { return j.Domain == PN }

// IsHostedPN reports whether j is a phone-number address in the hosted namespace.
func (j JID) IsHostedPN() bool { return j.Domain == HostedPN }

// IsLID reports whether j is a linked-identity address.
func (j JID) IsLID() bool { return j.Domain == LID }

// IsHostedLID reports whether j is a linked-identity address in the hosted namespace.
func (j JID) IsHostedLID() bool { return j.Domain == HostedLID }

// IsAnyPN reports whether j classifies as PN or hosted-PN.
func (j JID) IsAnyPN() bool { return j.IsPN() || j.IsHostedPN() }

// IsAnyLID reports whether j classifies as LID or hosted-LID.
func (j JID) IsAnyLID() bool { return j.IsLID() || j.IsHostedLID() }

// Normalize strips the device number when it is 0; for any other device
// number it is a no-op, since the device is already part of the value.
func (j JID) Normalize() JID {
	return j
}

// CanonicalPN rewrites a hosted-PN domain to the ordinary PN domain,
// since the mapping store is user-level and hosted-PN/PN share one
// mapping namespace. Non-PN domains are returned unchanged.
func (j JID) CanonicalPN() JID {
	if j.Domain == HostedPN {
		j.Domain = PN
	}
	return j
}

// WithDevice returns a copy of j with the device number replaced, choosing
// the hosted-LID domain when the new device is the hosted convention device
// and j is already in the LID address space, and the hosted-PN domain for
// the equivalent PN case.
func (j JID) WithDevice(device uint32) JID {
	j.Device = device
	if device == HostedDeviceID {
		if j.IsLID() || j.IsHostedLID() {
			j.Domain = HostedLID
		} else if j.IsPN() || j.IsHostedPN() {
			j.Domain = HostedPN
		}
	} else if j.Domain == HostedLID {
		j.Domain = LID
	} else if j.Domain == HostedPN {
		j.Domain = PN
	}
	return j
}

// TransferDevice returns target's user@domain with src's device number,
// projecting a known device onto a peer identity. Device 99 maps the
// result onto the hosted domain variant of target's address space.
func TransferDevice(src, target JID) JID {
	return target.WithDevice(src.Device)
}
