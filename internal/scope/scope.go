// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scope computes the scope_hash that identifies a mitigation's
// match criteria (spec §9, "Fingerprint/scope-hash determinism"). The
// encoding must be byte-stable across restarts and implementations so
// that crash recovery re-derives the same scope for the same rule.
package scope

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
)

// AFI identifies the address family of the destination prefix, matching
// the FlowSpec AFI values used on the wire (1 = IPv4, 2 = IPv6).
type AFI uint8

const (
	AFIv4 AFI = 1
	AFIv6 AFI = 2
)

// NoProtocol marks "any protocol" in the canonical encoding.
const NoProtocol = 255

// Key is the match-criteria signature of a mitigation: destination prefix,
// optional protocol, and a port set with an include/exclude flag.
type Key struct {
	Prefix   netip.Prefix
	Protocol *uint8 // nil = any
	Ports    []uint16
	Excluded bool
}

// AFIOf returns the address family of the key's prefix.
func (k Key) AFIOf() AFI {
	if k.Prefix.Addr().Is4() {
		return AFIv4
	}
	return AFIv6
}

// Hash computes the 32-byte scope_hash: SHA-256 over
// u8 AFI || prefix address bytes || u8 protocol_or_255 || u8 excluded ||
// u8 port_count || ports in ascending big-endian u16.
func (k Key) Hash() ([32]byte, error) {
	addr := k.Prefix.Addr()
	if !addr.IsValid() {
		return [32]byte{}, fmt.Errorf("scope: invalid prefix %v", k.Prefix)
	}

	ports := append([]uint16(nil), k.Ports...)
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	if len(ports) > 255 {
		return [32]byte{}, fmt.Errorf("scope: too many ports (%d)", len(ports))
	}

	buf := make([]byte, 0, 1+16+1+1+1+2*len(ports))
	buf = append(buf, byte(k.AFIOf()))
	buf = append(buf, addr.AsSlice()...)

	proto := byte(NoProtocol)
	if k.Protocol != nil {
		proto = *k.Protocol
	}
	buf = append(buf, proto)

	excluded := byte(0)
	if k.Excluded {
		excluded = 1
	}
	buf = append(buf, excluded)
	buf = append(buf, byte(len(ports)))

	for _, p := range ports {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], p)
		buf = append(buf, b[:]...)
	}

	return sha256.Sum256(buf), nil
}

// MustHash is Hash but panics on error; used where the key is already
// known-valid (e.g. derived from a stored Mitigation).
func (k Key) MustHash() [32]byte {
	h, err := k.Hash()
	if err != nil {
		panic(err)
	}
	return h
}
