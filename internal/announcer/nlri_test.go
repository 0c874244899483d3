// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package announcer

import (
	"encoding/binary"
	"math"
	"net/netip"
	"testing"

	apipb "github.com/osrg/gobgp/v3/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefixd/prefixd/internal/mitigation"
)

func u8(v uint8) *uint8 { return &v }

func TestEncodeNLRI_DestinationPrefixOnly(t *testing.T) {
	m := mitigation.Mitigation{DstPrefix: netip.MustParsePrefix("203.0.113.10/32")}
	rules, err := EncodeNLRI(m)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []byte{componentDestinationPrefix, 32, 203, 0, 113, 10}, rules[0])
}

func TestEncodeNLRI_WithProtocolAndPorts(t *testing.T) {
	m := mitigation.Mitigation{
		DstPrefix: netip.MustParsePrefix("203.0.113.10/32"),
		Protocol:  u8(17),
		DstPorts:  []uint16{53},
	}
	rules, err := EncodeNLRI(m)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []byte{componentIPProtocol, opEOL | opEQ | valueLenBits(1), 17}, rules[1])
	assert.Equal(t, byte(5), rules[2][0], "destination port is FlowSpec component type 5, not 4")
	assert.Equal(t, byte(componentDestinationPort), rules[2][0])
}

func TestEncodeNLRI_DeterministicAcrossCalls(t *testing.T) {
	m := mitigation.Mitigation{
		DstPrefix: netip.MustParsePrefix("2001:db8::1/128"),
		Protocol:  u8(6),
		DstPorts:  []uint16{443, 80},
	}
	a, err := EncodeNLRI(m)
	require.NoError(t, err)
	b, err := EncodeNLRI(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeExtendedCommunity_PoliceCarriesRate(t *testing.T) {
	rate := uint64(1_000_000)
	m := mitigation.Mitigation{ActionType: mitigation.ActionTypePolice, RateBPS: &rate}
	c := EncodeExtendedCommunity(m)
	assert.Equal(t, byte(0x80), c[0])
	assert.Equal(t, byte(0x06), c[1])

	gotRate := math.Float32frombits(binary.BigEndian.Uint32(c[4:8]))
	assert.Equal(t, float32(125_000), gotRate, "rate_bps must be converted to bytes/second (rate_bps / 8)")
}

func TestEncodeExtendedCommunity_DiscardIsZeroRate(t *testing.T) {
	m := mitigation.Mitigation{ActionType: mitigation.ActionTypeDiscard}
	c := EncodeExtendedCommunity(m)
	assert.Equal(t, [4]byte{0, 0, 0, 0}, [4]byte{c[4], c[5], c[6], c[7]})
}

func TestDecodeDestinationPrefix_RoundTripsIPv4(t *testing.T) {
	m := mitigation.Mitigation{DstPrefix: netip.MustParsePrefix("203.0.113.0/24")}
	rules, err := EncodeNLRI(m)
	require.NoError(t, err)

	got, ok := DecodeDestinationPrefix(rules)
	require.True(t, ok)
	assert.Equal(t, m.DstPrefix, got)
}

func TestDecodeDestinationPrefix_RoundTripsIPv6(t *testing.T) {
	m := mitigation.Mitigation{
		DstPrefix: netip.MustParsePrefix("2001:db8::1/128"),
		Protocol:  u8(6),
		DstPorts:  []uint16{443},
	}
	rules, err := EncodeNLRI(m)
	require.NoError(t, err)

	got, ok := DecodeDestinationPrefix(rules)
	require.True(t, ok)
	assert.Equal(t, m.DstPrefix, got)
}

func TestDecodeDestinationPrefix_MissingComponentReturnsFalse(t *testing.T) {
	_, ok := DecodeDestinationPrefix([][]byte{{componentIPProtocol, opEOL | opEQ, 17}})
	assert.False(t, ok)
}

func TestExtractPrefixes_SkipsUndecodablePaths(t *testing.T) {
	prefixes := ExtractPrefixes([]*apipb.Path{nil, {Nlri: nil}})
	assert.Empty(t, prefixes)
}
