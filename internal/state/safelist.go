// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// safelistCache mirrors the safelist_entries table in memory as a
// slice sorted longest-prefix-first, so IsSafelisted needs no table
// query per event. The lookup is a linear scan over every cached
// prefix (O(N)), not O(log N). Refreshed on every mutation; reload
// is cheap since the safelist changes far less often than it's read.
type safelistCache struct {
	mu      sync.RWMutex
	entries []netip.Prefix
}

func (c *safelistCache) contains(ip netip.Addr) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.entries {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *safelistCache) set(prefixes []netip.Prefix) {
	sorted := append([]netip.Prefix(nil), prefixes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bits() > sorted[j].Bits() })
	c.mu.Lock()
	c.entries = sorted
	c.mu.Unlock()
}

// IsSafelisted reports whether ip falls within any safelist entry.
func (s *Store) IsSafelisted(ip netip.Addr) bool {
	return s.safelist.contains(ip)
}

// loadSafelistCache populates the in-memory cache from the table; call
// once at Open and after every AddSafelistEntry/RemoveSafelistEntry.
func (s *Store) loadSafelistCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT prefix FROM safelist_entries`)
	if err != nil {
		return wrapSQL(err, "load safelist cache")
	}
	defer rows.Close()

	var prefixes []netip.Prefix
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return wrapSQL(err, "scan safelist entry")
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return errors.Wrapf(err, errors.KindInternal, "state: bad safelist prefix %q", raw)
		}
		prefixes = append(prefixes, p)
	}
	s.safelist.set(prefixes)
	return rows.Err()
}

// AddSafelistEntry inserts or replaces a protected prefix and audits
// safelist_add.
func (s *Store) AddSafelistEntry(ctx context.Context, e mitigation.SafelistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safelist_entries (prefix, reason, created_by, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(prefix) DO UPDATE SET reason = excluded.reason, created_by = excluded.created_by
	`, e.Prefix.String(), e.Reason, e.CreatedBy, e.CreatedAt.UTC().Unix())
	if err != nil {
		return wrapSQL(err, "add safelist entry")
	}
	if err := s.loadSafelistCache(ctx); err != nil {
		return err
	}
	return s.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType: mitigation.ActorOperator, ActorID: e.CreatedBy,
		Action:     mitigation.AuditSafelistAdd,
		TargetType: "safelist", TargetID: e.Prefix.String(),
		Details:    map[string]any{"reason": e.Reason},
	})
}

// RemoveSafelistEntry deletes a protected prefix.
func (s *Store) RemoveSafelistEntry(ctx context.Context, prefix netip.Prefix) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM safelist_entries WHERE prefix = ?`, prefix.String()); err != nil {
		return wrapSQL(err, "remove safelist entry")
	}
	return s.loadSafelistCache(ctx)
}
