// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefixd/prefixd/internal/inventory"
	"github.com/prefixd/prefixd/internal/mitigation"
)

func u64(v uint64) *uint64   { return &v }
func u8(v uint8) *uint8      { return &v }
func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }

func udpPlaybook() Playbook {
	return Playbook{
		Name:  "udp_flood",
		Match: Match{Vector: mitigation.VectorUDPFlood},
		Steps: []Step{
			{Index: 0, ActionType: mitigation.ActionTypePolice, RateBPS: u64(1_000_000), TTLSeconds: 300},
			{
				Index: 1, ActionType: mitigation.ActionTypeDiscard, TTLSeconds: 300,
				RequireConfidenceAtLeast: f64(0.8),
				RequirePersistenceSecs:   i(120),
			},
		},
	}
}

func defaultPlaybook() Playbook {
	return Playbook{
		Name:      "default",
		IsDefault: true,
		Steps:     []Step{{Index: 0, ActionType: mitigation.ActionTypeDiscard, TTLSeconds: 120}},
	}
}

func TestSelect_MatchesByVector(t *testing.T) {
	snap := NewSnapshot([]Playbook{udpPlaybook(), defaultPlaybook()})
	ev := mitigation.AttackEvent{Vector: mitigation.VectorUDPFlood}

	pb, ok := snap.Select(ev)
	require.True(t, ok)
	assert.Equal(t, "udp_flood", pb.Name)
}

func TestSelect_FallsBackToDefault(t *testing.T) {
	snap := NewSnapshot([]Playbook{udpPlaybook(), defaultPlaybook()})
	ev := mitigation.AttackEvent{Vector: mitigation.VectorSYNFlood}

	pb, ok := snap.Select(ev)
	require.True(t, ok)
	assert.Equal(t, "default", pb.Name)
}

func TestSelect_DeclarationOrderTieBreak(t *testing.T) {
	first := Playbook{Name: "first", Match: Match{Vector: mitigation.VectorUDPFlood}, Steps: []Step{{Index: 0}}}
	second := Playbook{Name: "second", Match: Match{Vector: mitigation.VectorUDPFlood}, Steps: []Step{{Index: 0}}}

	snap := NewSnapshot([]Playbook{first, second})
	pb, ok := snap.Select(mitigation.AttackEvent{Vector: mitigation.VectorUDPFlood})
	require.True(t, ok)
	assert.Equal(t, "first", pb.Name)
}

func TestReload_AtomicallyReplacesSnapshot(t *testing.T) {
	h := NewHolder([]Playbook{udpPlaybook()})
	_, ok := h.Select(mitigation.AttackEvent{Vector: mitigation.VectorUDPFlood})
	require.True(t, ok)

	h.Reload([]Playbook{defaultPlaybook()})
	pb, ok := h.Select(mitigation.AttackEvent{Vector: mitigation.VectorSYNFlood})
	require.True(t, ok)
	assert.Equal(t, "default", pb.Name)
}

func TestResolvePortSet_SubsetOfAllowedExcludesThem(t *testing.T) {
	allowed := map[uint8][]uint16{17: {53}}
	ps := ResolvePortSet([]uint16{53}, allowed, u8(17))
	assert.True(t, ps.Excluded)
	assert.Equal(t, []uint16{53}, ps.Ports)
}

func TestResolvePortSet_NotSubsetUsesEventPorts(t *testing.T) {
	allowed := map[uint8][]uint16{17: {53}}
	ps := ResolvePortSet([]uint16{53, 123}, allowed, u8(17))
	assert.False(t, ps.Excluded)
	assert.Equal(t, []uint16{53, 123}, ps.Ports)
}

func TestResolvePortSet_EmptyMeansAnyPort(t *testing.T) {
	ps := ResolvePortSet(nil, nil, u8(17))
	assert.False(t, ps.Excluded)
	assert.Empty(t, ps.Ports)
}

func TestExtend_PushesExpiryForward(t *testing.T) {
	pb := udpPlaybook()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &mitigation.Mitigation{CurrentStepIndex: 0, ExpiresAt: now.Add(10 * time.Second)}

	got := Extend(m, &pb, now)
	assert.Equal(t, now.Add(300*time.Second), got)
}

func TestExtend_NeverMovesExpiryBackward(t *testing.T) {
	pb := udpPlaybook()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	farFuture := now.Add(1 * time.Hour)
	m := &mitigation.Mitigation{CurrentStepIndex: 0, ExpiresAt: farFuture}

	got := Extend(m, &pb, now)
	assert.Equal(t, farFuture, got)
}

func TestCanEscalate_RequiresConfidenceAndPersistence(t *testing.T) {
	pb := udpPlaybook()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &mitigation.Mitigation{CurrentStepIndex: 0, CreatedAt: created}

	tooEarly := created.Add(119 * time.Second)
	ev := mitigation.AttackEvent{Confidence: f64(0.9)}
	assert.False(t, CanEscalate(m, &pb, ev, inventory.ProfileNormal, tooEarly))

	onTime := created.Add(121 * time.Second)
	assert.True(t, CanEscalate(m, &pb, ev, inventory.ProfileNormal, onTime))

	lowConfidence := mitigation.AttackEvent{Confidence: f64(0.5)}
	assert.False(t, CanEscalate(m, &pb, lowConfidence, inventory.ProfileNormal, onTime))
}

func TestCanEscalate_StrictProfileBlocksEscalation(t *testing.T) {
	pb := udpPlaybook()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &mitigation.Mitigation{CurrentStepIndex: 0, CreatedAt: created}
	ev := mitigation.AttackEvent{Confidence: f64(0.95)}

	assert.False(t, CanEscalate(m, &pb, ev, inventory.ProfileStrict, created.Add(200*time.Second)))
}

func TestCanEscalate_LastStepCannotAdvance(t *testing.T) {
	pb := udpPlaybook()
	m := &mitigation.Mitigation{CurrentStepIndex: 1, CreatedAt: time.Now()}
	assert.False(t, CanEscalate(m, &pb, mitigation.AttackEvent{}, inventory.ProfileNormal, time.Now()))
}

func TestEscalate_AdvancesStepAndAction(t *testing.T) {
	pb := udpPlaybook()
	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	m := &mitigation.Mitigation{CurrentStepIndex: 0}

	plan := Escalate(m, &pb, now)
	assert.Equal(t, 1, plan.StepIndex)
	assert.Equal(t, mitigation.ActionTypeDiscard, plan.ActionType)
	assert.Nil(t, plan.RateBPS)
	assert.Equal(t, now.Add(300*time.Second), now.Add(time.Duration(plan.TTLSeconds)*time.Second))
}

func TestCorrelatePorts(t *testing.T) {
	cases := []struct {
		name     string
		a, b     []uint16
		expected ScopeRelation
	}{
		{"b subset of a", []uint16{53, 123, 443}, []uint16{53}, RelationSubsumed},
		{"a subset of b", []uint16{53}, []uint16{53, 123}, RelationSupersede},
		{"partial overlap", []uint16{53, 123}, []uint16{123, 443}, RelationMerge},
		{"disjoint", []uint16{53}, []uint16{443}, RelationDisjoint},
		{"a is any port", nil, []uint16{443}, RelationSubsumed},
		{"b is any port", []uint16{443}, nil, RelationSupersede},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CorrelatePorts(tc.a, tc.b))
		})
	}
}

func TestDispositionForRelation(t *testing.T) {
	assert.Equal(t, DispositionExtend, DispositionForRelation(RelationSubsumed))
	assert.Equal(t, DispositionReplace, DispositionForRelation(RelationSupersede))
	assert.Equal(t, DispositionReplace, DispositionForRelation(RelationMerge))
	assert.Equal(t, DispositionParallel, DispositionForRelation(RelationDisjoint))
}

func TestUnionPorts(t *testing.T) {
	assert.Equal(t, []uint16{53, 123, 443}, UnionPorts([]uint16{443, 53}, []uint16{123, 53}))
}
