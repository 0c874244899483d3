// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inventory

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acmeCustomer() Customer {
	return Customer{
		ID:       "acme",
		Prefixes: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
		Services: []Service{
			{
				ID:           "dns",
				Assets:       []Asset{{IP: netip.MustParseAddr("203.0.113.10")}},
				AllowedPorts: map[uint8][]uint16{17: {53}},
			},
		},
		PolicyProfile: ProfileNormal,
	}
}

func TestLookup_ResolvesServiceExactMatch(t *testing.T) {
	idx := NewIndex([]Customer{acmeCustomer()})
	res, ok := idx.Lookup(netip.MustParseAddr("203.0.113.10"))
	require.True(t, ok)
	assert.Equal(t, "acme", res.CustomerID)
	assert.Equal(t, "dns", res.ServiceID)
	assert.Equal(t, []uint16{53}, res.AllowedPorts[17])
}

func TestLookup_CustomerOnlyWhenNoServiceMatches(t *testing.T) {
	idx := NewIndex([]Customer{acmeCustomer()})
	res, ok := idx.Lookup(netip.MustParseAddr("203.0.113.99"))
	require.True(t, ok)
	assert.Equal(t, "acme", res.CustomerID)
	assert.Empty(t, res.ServiceID)
	assert.Empty(t, res.AllowedPorts)
}

func TestLookup_UnknownIPReturnsFalse(t *testing.T) {
	idx := NewIndex([]Customer{acmeCustomer()})
	_, ok := idx.Lookup(netip.MustParseAddr("198.51.100.1"))
	require.False(t, ok)
	assert.False(t, idx.IsOwned(netip.MustParseAddr("198.51.100.1")))
}

func TestLookup_PicksLongestPrefix(t *testing.T) {
	narrow := Customer{
		ID:       "narrow",
		Prefixes: []netip.Prefix{netip.MustParsePrefix("203.0.113.8/29")},
	}
	broad := Customer{
		ID:       "broad",
		Prefixes: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
	}
	idx := NewIndex([]Customer{broad, narrow})

	res, ok := idx.Lookup(netip.MustParseAddr("203.0.113.10"))
	require.True(t, ok)
	assert.Equal(t, "narrow", res.CustomerID)
}

func TestReload_AtomicallyReplacesSnapshot(t *testing.T) {
	idx := NewIndex([]Customer{acmeCustomer()})
	require.True(t, idx.IsOwned(netip.MustParseAddr("203.0.113.10")))

	idx.Reload([]Customer{{ID: "other", Prefixes: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")}}})

	assert.False(t, idx.IsOwned(netip.MustParseAddr("203.0.113.10")))
	assert.True(t, idx.IsOwned(netip.MustParseAddr("198.51.100.1")))
}

func TestLookup_AssetRange(t *testing.T) {
	c := Customer{
		ID:       "ranged",
		Prefixes: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
		Services: []Service{
			{
				ID: "web",
				Assets: []Asset{{
					Start: netip.MustParseAddr("203.0.113.20"),
					End:   netip.MustParseAddr("203.0.113.30"),
				}},
			},
		},
	}
	idx := NewIndex([]Customer{c})

	res, ok := idx.Lookup(netip.MustParseAddr("203.0.113.25"))
	require.True(t, ok)
	assert.Equal(t, "web", res.ServiceID)

	res, ok = idx.Lookup(netip.MustParseAddr("203.0.113.31"))
	require.True(t, ok)
	assert.Empty(t, res.ServiceID)
}

func TestParse_YAMLDocument(t *testing.T) {
	doc := []byte(`
customers:
  - id: acme
    name: Acme Corp
    policy_profile: normal
    prefixes:
      - 203.0.113.0/24
    services:
      - id: dns
        name: DNS
        policy_profile: normal
        allowed_ports:
          udp: [53]
        assets:
          - ip: 203.0.113.10
`)
	customers, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "acme", customers[0].ID)
	assert.Equal(t, []uint16{53}, customers[0].Services[0].AllowedPorts[17])
}
