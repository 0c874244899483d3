// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package announcer

import (
	"encoding/binary"
	"math"

	"github.com/prefixd/prefixd/internal/mitigation"
)

// trafficRateCommunityType is the RFC 5575 FlowSpec extended community
// subtype for rate limiting (0x8006).
const trafficRateCommunityType = 0x8006

// discardRateBPS is the rate carried for discard: this daemon signals
// discard as a zero traffic-rate community (rate = 0 means "discard all
// matching traffic"); it never emits a traffic-action community.
const discardRateBPS float32 = 0

// EncodeExtendedCommunity builds the 8-byte extended community for m's
// action_type: a traffic-rate community carrying rate_bps for police,
// or a zero-rate traffic-rate community for discard (RFC 5575 §4.2,
// RFC 8955 erratum on the encoding of the rate as an IEEE-754 float).
func EncodeExtendedCommunity(m mitigation.Mitigation) [8]byte {
	var rate float32
	if m.ActionType == mitigation.ActionTypePolice && m.RateBPS != nil {
		// rate_bps is bits/second; the wire community carries bytes/second.
		rate = float32(*m.RateBPS) / 8
	} else {
		rate = discardRateBPS
	}

	var out [8]byte
	binary.BigEndian.PutUint16(out[0:2], trafficRateCommunityType)
	// bytes 2-3 are the 2-octet AS number field; this daemon encodes
	// rate-limiting communities without an AS qualifier (0 = global).
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint32(out[4:8], math.Float32bits(rate))
	return out
}
