// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package announcer implements Component E: encoding a Mitigation into a
// BGP FlowSpec NLRI (RFC 5575 / RFC 8955) plus a traffic-rate extended
// community (rate 0 for discard), and announcing/withdrawing it
// against a local BGP speaker over gRPC. Encoding is byte-exact and
// deterministic so two processes given the same Mitigation produce
// identical wire bytes (spec §4.5).
package announcer

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/scope"
)

// FlowSpec component types used by this daemon (RFC 5575 §4).
const (
	componentDestinationPrefix = 1
	componentIPProtocol        = 3
	componentDestinationPort   = 5
)

// numeric operator bits (RFC 5575 §4.2.1), applied to protocol/port
// components. Protocol is always a single EQ term. Destination ports are
// an OR-chain of EQ terms, or, for an excluded set, an AND-chain of
// not-equal (LT|GT) terms; "end of list" is set on the final term.
const (
	opEOL   = 0x80 // end-of-list
	opAND   = 0x40
	opEQ    = 0x01
	opGT    = 0x02
	opLT    = 0x04
	lenBits = 0x30 // value-length field, shifted into place by valueLenBits
)

func valueLenBits(n int) byte {
	switch n {
	case 1:
		return 0x00
	case 2:
		return 0x10
	case 4:
		return 0x20
	default:
		return 0x30
	}
}

// EncodeNLRI builds the raw FlowSpec NLRI component bytes for m, in the
// order destination-prefix, [ip-protocol], [destination-port]. Each
// returned []byte is one self-contained "rule" suitable for
// gobgpapi.FlowSpecNLRI.Rules.
func EncodeNLRI(m mitigation.Mitigation) ([][]byte, error) {
	if !m.DstPrefix.Addr().IsValid() {
		return nil, fmt.Errorf("announcer: invalid dst_prefix")
	}

	rules := [][]byte{encodeDestinationPrefix(m.DstPrefix)}

	if m.Protocol != nil {
		rules = append(rules, encodeProtocol(*m.Protocol))
	}
	if len(m.DstPorts) > 0 {
		portRule, err := encodeDestinationPorts(m.DstPorts, m.DstPortsExcluded)
		if err != nil {
			return nil, err
		}
		rules = append(rules, portRule)
	}

	return rules, nil
}

// encodeDestinationPrefix encodes component type 1: type || prefix_len ||
// prefix bytes (only the significant bytes, per RFC 5575 §4.1).
func encodeDestinationPrefix(p netip.Prefix) []byte {
	addr := p.Addr()
	significant := (p.Bits() + 7) / 8
	b := addr.AsSlice()[:significant]

	out := make([]byte, 0, 2+len(b))
	out = append(out, componentDestinationPrefix, byte(p.Bits()))
	out = append(out, b...)
	return out
}

// encodeProtocol encodes component type 3 as a single EQ-matched value,
// marked end-of-list since this daemon never ANDs it with anything else
// beyond the preceding destination-prefix component.
func encodeProtocol(proto uint8) []byte {
	return []byte{componentIPProtocol, opEOL | opEQ | valueLenBits(1), proto}
}

// encodeDestinationPorts encodes component type 5. When excluded is
// true, dst_ports enumerates the ports that must NOT match (spec §4.3
// "all ports except the allowed ones"). RFC 5575 has no dedicated
// "not equal" bit, so each excluded port is a LT|GT term with EQ clear,
// and the terms are AND-ed: "!=p1 AND !=p2 AND ...".
func encodeDestinationPorts(ports []uint16, excluded bool) ([]byte, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("announcer: empty port list")
	}
	if len(ports) > 255 {
		return nil, fmt.Errorf("announcer: too many ports (%d)", len(ports))
	}

	out := []byte{componentDestinationPort}
	for i, p := range ports {
		op := valueLenBits(2)
		if excluded {
			// AND-chain of negated equality: "not this port AND not that port..."
			op |= opAND | opLT | opGT
		} else {
			// plain OR-chain: "this port OR that port..."
			op |= opEQ
		}
		if i == len(ports)-1 {
			op |= opEOL
		}

		var v [2]byte
		binary.BigEndian.PutUint16(v[:], p)
		out = append(out, op, v[0], v[1])
	}
	return out, nil
}

// DecodeDestinationPrefix extracts the destination-prefix component from
// a FlowSpecNLRI rule list, the minimum needed by the reconciliation loop
// to key a speaker-held path back against a stored Mitigation without
// fully round-tripping the NLRI encoding.
func DecodeDestinationPrefix(rules [][]byte) (netip.Prefix, bool) {
	for _, rule := range rules {
		if len(rule) < 2 || rule[0] != componentDestinationPrefix {
			continue
		}
		bits := int(rule[1])
		significant := (bits + 7) / 8
		if len(rule) < 2+significant {
			return netip.Prefix{}, false
		}
		addrBytes := rule[2 : 2+significant]
		switch {
		case bits <= 32:
			var b [4]byte
			copy(b[:], addrBytes)
			return netip.PrefixFrom(netip.AddrFrom4(b), bits), true
		default:
			var b [16]byte
			copy(b[:], addrBytes)
			return netip.PrefixFrom(netip.AddrFrom16(b), bits), true
		}
	}
	return netip.Prefix{}, false
}

// DecodeScopeKey rebuilds the full scope.Key (prefix, protocol, ports,
// excluded) from a FlowSpecNLRI's rule list, rather than just the
// destination prefix. The reconciliation loop's drift pass needs this,
// not DecodeDestinationPrefix alone: two parallel mitigations for the
// same victim (spec §4.3's disjoint-ports case) share a destination
// prefix but occupy distinct scopes, and collapsing them onto one
// prefix-keyed map entry would make drift repair silently drop all but
// one of them.
func DecodeScopeKey(rules [][]byte) (scope.Key, bool) {
	prefix, ok := DecodeDestinationPrefix(rules)
	if !ok {
		return scope.Key{}, false
	}

	key := scope.Key{Prefix: prefix}
	for _, rule := range rules {
		switch {
		case len(rule) >= 3 && rule[0] == componentIPProtocol:
			proto := rule[2]
			key.Protocol = &proto
		case len(rule) >= 1 && rule[0] == componentDestinationPort:
			ports, excluded, ok := decodeDestinationPorts(rule[1:])
			if !ok {
				return scope.Key{}, false
			}
			key.Ports = ports
			key.Excluded = excluded
		}
	}
	return key, true
}

// decodeDestinationPorts parses the operator/value pairs following a
// component-5 type byte. Each pair is op-byte + 2-byte port value, per
// encodeDestinationPorts's own layout; excluded is reported true if the
// first pair carries the AND bit, mirroring that encoder's convention of
// setting opAND on every term (including the first) of a negated chain.
func decodeDestinationPorts(body []byte) ([]uint16, bool, bool) {
	var ports []uint16
	excluded := false
	for i := 0; len(body) > 0; i++ {
		if len(body) < 3 {
			return nil, false, false
		}
		op := body[0]
		if i == 0 {
			excluded = op&opAND != 0
		}
		ports = append(ports, binary.BigEndian.Uint16(body[1:3]))
		eol := op&opEOL != 0
		body = body[3:]
		if eol {
			break
		}
	}
	return ports, excluded, true
}
