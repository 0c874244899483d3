// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scope

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func proto(p uint8) *uint8 { return &p }

func TestHash_Deterministic(t *testing.T) {
	k := Key{
		Prefix:   netip.MustParsePrefix("203.0.113.10/32"),
		Protocol: proto(17),
		Ports:    []uint16{53},
		Excluded: true,
	}

	h1, err := k.Hash()
	require.NoError(t, err)
	h2, err := k.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHash_PortOrderIndependent(t *testing.T) {
	a := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Protocol: proto(17), Ports: []uint16{53, 80}}
	b := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Protocol: proto(17), Ports: []uint16{80, 53}}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestHash_DistinguishesExcludedFlag(t *testing.T) {
	a := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Protocol: proto(17), Ports: []uint16{53}, Excluded: false}
	b := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Protocol: proto(17), Ports: []uint16{53}, Excluded: true}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	require.NotEqual(t, ha, hb)
}

func TestHash_DistinguishesProtocol(t *testing.T) {
	a := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Protocol: proto(17)}
	b := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Protocol: nil}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	require.NotEqual(t, ha, hb)
}

func TestHash_IPv4AndIPv6Differ(t *testing.T) {
	a := Key{Prefix: netip.MustParsePrefix("203.0.113.10/32")}
	b := Key{Prefix: netip.MustParsePrefix("2001:db8::1/128")}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	require.NotEqual(t, ha, hb)
}
