// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefixd/prefixd/internal/mitigation"
)

func TestParse_YAMLDocument(t *testing.T) {
	doc := []byte(`
playbooks:
  - name: udp-flood
    default: true
    match:
      vector: udp_flood
    steps:
      - action_type: police
        rate_bps: 1000000
        ttl_seconds: 120
      - action_type: discard
        ttl_seconds: 240
        require_confidence_at_least: 0.9
        require_persistence_seconds: 300
  - name: tcp-syn-dns
    match:
      vector: tcp_syn_flood
      protocol: udp
      require_top_ports: true
    steps:
      - action_type: discard
        ttl_seconds: 120
`)

	playbooks, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, playbooks, 2)

	udp := playbooks[0]
	assert.Equal(t, "udp-flood", udp.Name)
	assert.True(t, udp.IsDefault)
	assert.Equal(t, mitigation.VectorUDPFlood, udp.Match.Vector)
	require.Len(t, udp.Steps, 2)
	assert.Equal(t, mitigation.ActionTypePolice, udp.Steps[0].ActionType)
	require.NotNil(t, udp.Steps[0].RateBPS)
	assert.Equal(t, uint64(1_000_000), *udp.Steps[0].RateBPS)
	require.NotNil(t, udp.Steps[1].RequireConfidenceAtLeast)
	assert.Equal(t, 0.9, *udp.Steps[1].RequireConfidenceAtLeast)

	tcp := playbooks[1]
	require.NotNil(t, tcp.Match.Protocol)
	assert.Equal(t, uint8(17), *tcp.Match.Protocol)
	assert.True(t, tcp.Match.RequireTopPorts)
}

func TestParse_PoliceStepWithoutRateIsRejected(t *testing.T) {
	doc := []byte(`
playbooks:
  - name: bad
    match:
      vector: udp_flood
    steps:
      - action_type: police
        ttl_seconds: 120
`)
	_, err := Parse(doc)
	assert.Error(t, err)
}

func TestParse_UnknownProtocolIsRejected(t *testing.T) {
	doc := []byte(`
playbooks:
  - name: bad
    match:
      vector: udp_flood
      protocol: sctp
    steps:
      - action_type: discard
        ttl_seconds: 120
`)
	_, err := Parse(doc)
	assert.Error(t, err)
}

func TestParse_PlaybookWithNoStepsIsRejected(t *testing.T) {
	doc := []byte(`
playbooks:
  - name: bad
    match:
      vector: udp_flood
    steps: []
`)
	_, err := Parse(doc)
	assert.Error(t, err)
}
