// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/scope"
	"github.com/prefixd/prefixd/internal/state"
)

type fakeStore struct {
	mu        sync.Mutex
	expired   []mitigation.Mitigation
	active    []mitigation.Mitigation
	updates   []state.Patch
	audits    []mitigation.AuditEntry
	updateErr error
}

func (f *fakeStore) ListExpiredCandidates(ctx context.Context, now time.Time, afterID string, limit int) ([]mitigation.Mitigation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if afterID != "" {
		return nil, nil
	}
	out := make([]mitigation.Mitigation, len(f.expired))
	copy(out, f.expired)
	return out, nil
}

func (f *fakeStore) ListActive(ctx context.Context, filter state.ActiveFilter) ([]mitigation.Mitigation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mitigation.Mitigation, len(f.active))
	copy(out, f.active)
	return out, nil
}

func (f *fakeStore) UpdateMitigation(ctx context.Context, id string, patch state.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, patch)
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, e mitigation.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

type fakeAnnouncer struct {
	mu          sync.Mutex
	announced   []mitigation.Mitigation
	withdrawn   []mitigation.Mitigation
	activeOnBGP []scope.Key
	withdrawErr error
}

func (f *fakeAnnouncer) Announce(ctx context.Context, m mitigation.Mitigation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, m)
	return nil
}

func (f *fakeAnnouncer) Withdraw(ctx context.Context, m mitigation.Mitigation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return f.withdrawErr
	}
	f.withdrawn = append(f.withdrawn, m)
	return nil
}

func (f *fakeAnnouncer) ListActiveScopes(ctx context.Context) ([]scope.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scope.Key, len(f.activeOnBGP))
	copy(out, f.activeOnBGP)
	return out, nil
}

func testLogger() *logging.Logger { return logging.New(logging.DefaultConfig()) }

func TestRunExpiryPass_WithdrawsAndMarksExpired(t *testing.T) {
	m := mitigation.Mitigation{
		MitigationID: "mit-1",
		CustomerID:   "cust-1",
		POP:          "pop-a",
		DstPrefix:    netip.MustParsePrefix("203.0.113.10/32"),
		ActionType:   mitigation.ActionTypeDiscard,
	}
	store := &fakeStore{expired: []mitigation.Mitigation{m}}
	ann := &fakeAnnouncer{}

	loop := New(Config{POP: "pop-a"}, store, ann, nil, nil, testLogger())

	count, err := loop.runExpiryPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, ann.withdrawn, 1)
	assert.Equal(t, "mit-1", ann.withdrawn[0].MitigationID)
}

func TestRunDriftPass_ReAnnouncesMissingRule(t *testing.T) {
	m := mitigation.Mitigation{
		MitigationID: "mit-2",
		POP:          "pop-a",
		DstPrefix:    netip.MustParsePrefix("203.0.113.20/32"),
		ActionType:   mitigation.ActionTypeDiscard,
	}
	store := &fakeStore{active: []mitigation.Mitigation{m}}
	ann := &fakeAnnouncer{} // speaker holds nothing

	loop := New(Config{POP: "pop-a"}, store, ann, nil, nil, testLogger())

	repaired, err := loop.runDriftPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	require.Len(t, ann.announced, 1)
	assert.Equal(t, "mit-2", ann.announced[0].MitigationID)
}

func TestRunDriftPass_WithdrawsOrphanRule(t *testing.T) {
	orphan := netip.MustParsePrefix("198.51.100.5/32")
	store := &fakeStore{} // store has nothing active
	ann := &fakeAnnouncer{activeOnBGP: []scope.Key{{Prefix: orphan}}}

	loop := New(Config{POP: "pop-a"}, store, ann, nil, nil, testLogger())

	repaired, err := loop.runDriftPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	require.Len(t, ann.withdrawn, 1)
	assert.Equal(t, orphan, ann.withdrawn[0].DstPrefix)
}

func TestRunDriftPass_NoOpWhenInSync(t *testing.T) {
	prefix := netip.MustParsePrefix("203.0.113.30/32")
	m := mitigation.Mitigation{MitigationID: "mit-3", POP: "pop-a", DstPrefix: prefix}
	store := &fakeStore{active: []mitigation.Mitigation{m}}
	ann := &fakeAnnouncer{activeOnBGP: []scope.Key{{Prefix: prefix}}}

	loop := New(Config{POP: "pop-a"}, store, ann, nil, nil, testLogger())

	repaired, err := loop.runDriftPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
	assert.Empty(t, ann.announced)
	assert.Empty(t, ann.withdrawn)
}

func TestRunDriftPass_KeepsParallelMitigationsForSameVictim(t *testing.T) {
	prefix := netip.MustParsePrefix("203.0.113.40/32")
	udp := uint8(17)
	a := mitigation.Mitigation{MitigationID: "mit-4a", POP: "pop-a", DstPrefix: prefix, Protocol: &udp, DstPorts: []uint16{53}}
	b := mitigation.Mitigation{MitigationID: "mit-4b", POP: "pop-a", DstPrefix: prefix, Protocol: &udp, DstPorts: []uint16{123}}
	store := &fakeStore{active: []mitigation.Mitigation{a, b}}
	ann := &fakeAnnouncer{activeOnBGP: []scope.Key{
		{Prefix: prefix, Protocol: &udp, Ports: []uint16{53}},
		{Prefix: prefix, Protocol: &udp, Ports: []uint16{123}},
	}}

	loop := New(Config{POP: "pop-a"}, store, ann, nil, nil, testLogger())

	repaired, err := loop.runDriftPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, repaired, "both parallel mitigations are already announced under their own scope; neither should be treated as missing or orphaned")
	assert.Empty(t, ann.announced)
	assert.Empty(t, ann.withdrawn)
}

func TestLoop_StartStop(t *testing.T) {
	store := &fakeStore{}
	ann := &fakeAnnouncer{}
	loop := New(Config{POP: "pop-a", Interval: 10 * time.Millisecond}, store, ann, nil, nil, testLogger())

	done := make(chan struct{})
	go func() {
		loop.Start(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	loop.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
