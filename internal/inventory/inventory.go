// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package inventory implements Component A: a process-wide, reloadable
// index resolving a victim IP to its owning customer, service, allowed
// ports, and policy profile. Snapshots are swapped atomically so that an
// in-flight lookup sees either wholly the old or wholly the new inventory,
// never a mix (spec §4.1, §9 "dynamic configuration objects").
package inventory

import (
	"net/netip"
	"sort"
	"sync/atomic"
)

// PolicyProfile is one of the three closed escalation postures a service
// or customer can carry.
type PolicyProfile string

const (
	ProfileStrict  PolicyProfile = "strict"
	ProfileNormal  PolicyProfile = "normal"
	ProfileRelaxed PolicyProfile = "relaxed"
)

// Asset is a single IP or inclusive IP range owned by a service.
type Asset struct {
	IP    netip.Addr // set when this asset is a single address
	Start netip.Addr // set together with End when this asset is a range
	End   netip.Addr
}

func (a Asset) contains(ip netip.Addr) bool {
	if a.IP.IsValid() {
		return a.IP == ip
	}
	if a.Start.IsValid() && a.End.IsValid() {
		return ip.Compare(a.Start) >= 0 && ip.Compare(a.End) <= 0
	}
	return false
}

// Service groups assets under a named role within a customer (e.g. "dns",
// "web"), with its own allowed-ports map and policy profile.
type Service struct {
	ID            string
	Name          string
	Assets        []Asset
	AllowedPorts  map[uint8][]uint16 // protocol -> sorted ports
	PolicyProfile PolicyProfile
}

func (s Service) owns(ip netip.Addr) bool {
	for _, a := range s.Assets {
		if a.contains(ip) {
			return true
		}
	}
	return false
}

// Customer owns one or more address prefixes and the services within them.
type Customer struct {
	ID            string
	Name          string
	Prefixes      []netip.Prefix
	Services      []Service
	PolicyProfile PolicyProfile
}

// Result is what a successful Lookup resolves to.
type Result struct {
	CustomerID    string
	ServiceID     string // empty when the IP matched no service
	AllowedPorts  map[uint8][]uint16
	PolicyProfile PolicyProfile
}

// Snapshot is an immutable point-in-time inventory. Build one with
// NewSnapshot and install it with Index.Reload.
type Snapshot struct {
	customers []Customer
}

// NewSnapshot builds a Snapshot from a list of customers, pre-sorting each
// customer's prefixes so the longest (most specific) match is found first.
func NewSnapshot(customers []Customer) *Snapshot {
	out := make([]Customer, len(customers))
	copy(out, customers)
	for i := range out {
		prefixes := append([]netip.Prefix(nil), out[i].Prefixes...)
		sort.Slice(prefixes, func(a, b int) bool { return prefixes[a].Bits() > prefixes[b].Bits() })
		out[i].Prefixes = prefixes
	}
	return &Snapshot{customers: out}
}

// Lookup resolves ip against the snapshot per spec §4.1: (a) pick the
// smallest enclosing prefix across all customers, (b) within that
// customer pick the service whose assets contain ip, (c) if no service
// matches, return (customer, "", empty allowed_ports, customer's profile).
func (s *Snapshot) Lookup(ip netip.Addr) (Result, bool) {
	var (
		best      *Customer
		bestBits  = -1
	)
	for i := range s.customers {
		c := &s.customers[i]
		for _, p := range c.Prefixes {
			if p.Contains(ip) && p.Bits() > bestBits {
				best = c
				bestBits = p.Bits()
				break // prefixes are pre-sorted longest-first per customer
			}
		}
	}
	if best == nil {
		return Result{}, false
	}

	for _, svc := range best.Services {
		if svc.owns(ip) {
			return Result{
				CustomerID:    best.ID,
				ServiceID:     svc.ID,
				AllowedPorts:  svc.AllowedPorts,
				PolicyProfile: svc.PolicyProfile,
			}, true
		}
	}

	return Result{
		CustomerID:    best.ID,
		ServiceID:     "",
		AllowedPorts:  map[uint8][]uint16{},
		PolicyProfile: best.PolicyProfile,
	}, true
}

// Index is the process-wide, concurrency-safe inventory holder. Lookups
// never block on a reload and never observe a partially-applied snapshot.
type Index struct {
	snap atomic.Pointer[Snapshot]
}

// NewIndex builds an Index from an initial customer list.
func NewIndex(customers []Customer) *Index {
	idx := &Index{}
	idx.snap.Store(NewSnapshot(customers))
	return idx
}

// Lookup never fails; absence is returned as ok=false. Guardrails treat
// that as a hard reject (unknown_destination).
func (idx *Index) Lookup(ip netip.Addr) (Result, bool) {
	return idx.snap.Load().Lookup(ip)
}

// IsOwned reports whether ip resolves to any customer.
func (idx *Index) IsOwned(ip netip.Addr) bool {
	_, ok := idx.Lookup(ip)
	return ok
}

// Reload atomically replaces the active snapshot. In-flight lookups
// already holding a reference to the old snapshot are unaffected.
func (idx *Index) Reload(customers []Customer) {
	idx.snap.Store(NewSnapshot(customers))
}
