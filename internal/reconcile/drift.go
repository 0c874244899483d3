// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"context"

	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/scope"
	"github.com/prefixd/prefixd/internal/state"
)

// runDriftPass compares the store's active mitigations for this POP
// against what the speaker actually holds and repairs any discrepancy:
// a store row with no matching speaker path is re-announced (the speaker
// may have restarted and lost its RIB); a speaker path with no matching
// store row is withdrawn (a rule the daemon no longer owns, left over
// from a crash between transaction commit and announce). Comparison keys
// on the full scope (prefix, protocol, ports, excluded), not destination
// prefix alone, since two parallel mitigations for the same victim (spec
// §4.3's disjoint-ports case) share a prefix but occupy distinct scopes.
// Returns the number of repairs made.
func (l *Loop) runDriftPass(ctx context.Context) (int, error) {
	active, err := l.store.ListActive(ctx, state.ActiveFilter{POP: l.pop})
	if err != nil {
		return 0, err
	}

	announced, err := l.announcer.ListActiveScopes(ctx)
	if err != nil {
		return 0, err
	}

	announcedSet := make(map[[32]byte]struct{}, len(announced))
	for _, k := range announced {
		announcedSet[k.MustHash()] = struct{}{}
	}

	storeSet := make(map[[32]byte]mitigation.Mitigation, len(active))
	for _, m := range active {
		storeSet[scopeKeyOf(m).MustHash()] = m
	}

	repaired := 0

	for key, m := range storeSet {
		if _, ok := announcedSet[key]; ok {
			continue
		}
		if err := l.announcer.Announce(ctx, m); err != nil {
			l.logger.Error("drift repair: re-announce failed", "mitigation_id", m.MitigationID, "error", err)
			continue
		}
		l.logger.Warn("drift repair: re-announced missing rule", "mitigation_id", m.MitigationID, "prefix", m.DstPrefix.String())
		repaired++
	}

	for key := range announcedSet {
		if _, ok := storeSet[key]; ok {
			continue
		}
		if err := l.withdrawOrphan(ctx, announced, key); err != nil {
			l.logger.Error("drift repair: orphan withdraw failed", "error", err)
			continue
		}
		repaired++
	}

	if repaired > 0 && l.bus != nil {
		l.bus.Publish(busResyncEvent())
	}

	return repaired, nil
}

// withdrawOrphan builds the minimum Mitigation needed to encode a
// withdraw for a scope the speaker holds but the store has no record of.
// The speaker's FlowSpec withdraw only needs the NLRI to match, not the
// original action/community, so a bare discard-typed stub carrying the
// same prefix/protocol/ports is sufficient.
func (l *Loop) withdrawOrphan(ctx context.Context, announced []scope.Key, target [32]byte) error {
	for _, k := range announced {
		if k.MustHash() != target {
			continue
		}
		stub := mitigation.Mitigation{
			DstPrefix:        k.Prefix,
			Protocol:         k.Protocol,
			DstPorts:         k.Ports,
			DstPortsExcluded: k.Excluded,
			ActionType:       mitigation.ActionTypeDiscard,
		}
		return l.announcer.Withdraw(ctx, stub)
	}
	return nil
}
