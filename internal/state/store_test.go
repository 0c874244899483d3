// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefixd/prefixd/internal/mitigation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMitigation(pop string, scopeHash byte) mitigation.Mitigation {
	now := time.Now().UTC().Truncate(time.Second)
	var hash [32]byte
	hash[0] = scopeHash
	return mitigation.Mitigation{
		Status:            mitigation.StatusActive,
		VictimIP:          netip.MustParseAddr("203.0.113.10"),
		Vector:            mitigation.VectorUDPFlood,
		CustomerID:        "acme",
		POP:               pop,
		DstPrefix:         netip.MustParsePrefix("203.0.113.10/32"),
		DstPorts:          []uint16{53},
		ActionType:        mitigation.ActionTypePolice,
		RateBPS:           uint64Ptr(1_000_000),
		TTLSeconds:        300,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(300 * time.Second),
		TriggeringEventID: "ev-1",
		ScopeHash:         hash,
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }

func TestInsertEvent_IdempotentOnDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := mitigation.AttackEvent{
		ExternalEventID: "ext-1",
		Source:          "detector-a",
		VictimIP:        netip.MustParseAddr("203.0.113.10"),
		Vector:          mitigation.VectorUDPFlood,
		Action:          mitigation.ActionBan,
		EventTimestamp:  time.Now(),
		IngestedAt:      time.Now(),
	}

	id1, dup1, err := s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, dup1)

	id2, dup2, err := s.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, dup2)
	assert.Equal(t, id1, id2)
}

func TestInsertMitigation_DetectsScopeCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleMitigation("ams1", 0x01)

	err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertMitigation(ctx, m) })
	require.NoError(t, err)

	m2 := sampleMitigation("ams1", 0x01)
	err = s.WithTx(ctx, func(tx *Tx) error { return tx.InsertMitigation(ctx, m2) })
	require.Error(t, err)
}

func TestUpdateMitigation_ExtendsExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleMitigation("ams1", 0x02)
	m.MitigationID = "mit-02"
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.InsertMitigation(ctx, m) }))

	newExpiry := m.ExpiresAt.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateMitigation(ctx, m.MitigationID, Patch{ExpiresAt: &newExpiry})
	}))

	active, err := s.ListActive(ctx, ActiveFilter{POP: "ams1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.WithinDuration(t, newExpiry, active[0].ExpiresAt, time.Second)
}

func TestListExpiredCandidates_PagesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := byte(0); i < 3; i++ {
		m := sampleMitigation("ams1", 0x10+i)
		m.ExpiresAt = time.Now().Add(-time.Hour)
		require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.InsertMitigation(ctx, m) }))
	}

	page1, err := s.ListExpiredCandidates(ctx, time.Now(), "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := s.ListExpiredCandidates(ctx, time.Now(), page1[len(page1)-1].MitigationID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

func TestFindByScope_ReturnsNonTerminalOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleMitigation("ams1", 0x20)
	m.MitigationID = "mit-20"
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.InsertMitigation(ctx, m) }))

	err := s.WithTx(ctx, func(tx *Tx) error {
		found, ok, err := tx.FindByScope(ctx, "ams1", m.ScopeHash)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m.MitigationID, found.MitigationID)
		return nil
	})
	require.NoError(t, err)
}

func TestCountActive_ReflectsConsistentSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleMitigation("ams1", 0x30)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.InsertMitigation(ctx, m) }))

	err := s.WithTx(ctx, func(tx *Tx) error {
		global, perPOP, perCustomer, err := tx.CountActive(ctx, "ams1", "acme")
		require.NoError(t, err)
		assert.Equal(t, 1, global)
		assert.Equal(t, 1, perPOP)
		assert.Equal(t, 1, perCustomer)
		return nil
	})
	require.NoError(t, err)
}

func TestIsSafelisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddSafelistEntry(ctx, mitigation.SafelistEntry{
		Prefix:    netip.MustParsePrefix("198.51.100.0/24"),
		Reason:    "partner network",
		CreatedAt: time.Now(),
	}))

	assert.True(t, s.IsSafelisted(netip.MustParseAddr("198.51.100.5")))
	assert.False(t, s.IsSafelisted(netip.MustParseAddr("203.0.113.5")))
}

func TestAppendAudit_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType:  mitigation.ActorSystem,
		Action:     mitigation.AuditMitigationCreated,
		TargetType: "mitigation",
		TargetID:   "m-1",
		Details:    map[string]any{"pop": "ams1"},
	}))

	entries, err := s.ListAudit(ctx, "mitigation", "m-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mitigation.AuditMitigationCreated, entries[0].Action)
}

func TestApplyMigrations_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.applyMigrations())
}
