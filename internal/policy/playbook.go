// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy implements Component C: matching an AttackEvent against
// the active playbook snapshot, selecting a step, and deciding whether an
// overlapping event extends, escalates, or produces a new mitigation.
// Playbooks are held the way inventory is: an atomically-swapped,
// read-mostly snapshot that in-flight ingests see wholly-old or
// wholly-new (spec §4.1/§4.3, §9 "dynamic configuration objects").
package policy

import (
	"sort"
	"sync/atomic"

	"github.com/prefixd/prefixd/internal/mitigation"
)

// Match is a playbook's selection predicate. A zero-value Source,
// Protocol or RequireTopPorts means "don't care" for that criterion;
// Vector always has to equal the event's vector.
type Match struct {
	Vector          mitigation.Vector
	Source          string // detector source; empty = any
	Protocol        *uint8
	RequireTopPorts bool
}

func (m Match) satisfies(ev mitigation.AttackEvent) bool {
	if m.Vector != ev.Vector {
		return false
	}
	if m.Source != "" && m.Source != ev.Source {
		return false
	}
	if m.Protocol != nil && (ev.Protocol == nil || *m.Protocol != *ev.Protocol) {
		return false
	}
	if m.RequireTopPorts && len(ev.TopDstPorts) == 0 {
		return false
	}
	return true
}

// Step is one rung of a playbook's escalation ladder. Only steps with
// Index >= 1 may carry an escalation predicate (spec §3 invariant).
type Step struct {
	Index                    int
	ActionType               mitigation.ActionType
	RateBPS                  *uint64 // required when ActionType == police
	TTLSeconds               int
	RequireConfidenceAtLeast *float64
	RequirePersistenceSecs   *int
}

// Playbook is an ordered match + step ladder for one or more vectors.
type Playbook struct {
	Name       string
	Match      Match
	Steps      []Step
	IsDefault  bool
}

// Snapshot is an immutable, ordered playbook list plus the resolved
// default playbook.
type Snapshot struct {
	playbooks []Playbook
	def       *Playbook
}

// NewSnapshot builds a Snapshot, preserving declaration order for
// tie-breaking (spec §4.3 rule 2) and resolving the default playbook.
func NewSnapshot(playbooks []Playbook) *Snapshot {
	out := make([]Playbook, len(playbooks))
	copy(out, playbooks)

	s := &Snapshot{playbooks: out}
	for i := range out {
		if out[i].IsDefault {
			s.def = &out[i]
			break
		}
	}
	return s
}

// Select finds the first playbook (in declaration order) whose match
// criteria satisfy ev, falling back to the configured default (spec
// §4.3 steps 1-3).
func (s *Snapshot) Select(ev mitigation.AttackEvent) (*Playbook, bool) {
	for i := range s.playbooks {
		if s.playbooks[i].Match.satisfies(ev) {
			return &s.playbooks[i], true
		}
	}
	if s.def != nil {
		return s.def, true
	}
	return nil, false
}

// Holder is the process-wide, concurrency-safe playbook holder,
// mirroring inventory.Index: lookups never block on reload and never
// see a partially-applied snapshot.
type Holder struct {
	snap atomic.Pointer[Snapshot]
}

// NewHolder builds a Holder from an initial playbook list.
func NewHolder(playbooks []Playbook) *Holder {
	h := &Holder{}
	h.snap.Store(NewSnapshot(playbooks))
	return h
}

// Select resolves ev against the currently active snapshot.
func (h *Holder) Select(ev mitigation.AttackEvent) (*Playbook, bool) {
	return h.snap.Load().Select(ev)
}

// Reload atomically replaces the active snapshot.
func (h *Holder) Reload(playbooks []Playbook) {
	h.snap.Store(NewSnapshot(playbooks))
}

// PortSet is the computed (ports, excluded) pair for a new mitigation,
// per spec §4.3 "Port handling (material)".
type PortSet struct {
	Ports    []uint16
	Excluded bool
}

// ResolvePortSet implements the DNS-under-UDP-flood rule: if the event's
// top destination ports are a subset of the service's allowed ports,
// mitigate everything except those allowed ports; otherwise mitigate
// exactly the reported ports; an empty event port list means "any port".
func ResolvePortSet(eventPorts []uint16, allowed map[uint8][]uint16, protocol *uint8) PortSet {
	if len(eventPorts) == 0 {
		return PortSet{Ports: nil, Excluded: false}
	}

	var allowedForProto []uint16
	if protocol != nil {
		allowedForProto = allowed[*protocol]
	}

	if len(allowedForProto) > 0 && isSubset(eventPorts, allowedForProto) {
		return PortSet{Ports: sortedCopy(allowedForProto), Excluded: true}
	}
	return PortSet{Ports: sortedCopy(eventPorts), Excluded: false}
}

func isSubset(v, a []uint16) bool {
	set := make(map[uint16]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range v {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func sortedCopy(ports []uint16) []uint16 {
	out := append([]uint16(nil), ports...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnionPorts returns the sorted union of two port sets, used when a
// scope correlation decides to merge overlapping-but-neither-subset
// scopes (spec §4.3 correlation rule 3).
func UnionPorts(a, b []uint16) []uint16 {
	set := make(map[uint16]struct{}, len(a)+len(b))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		set[p] = struct{}{}
	}
	out := make([]uint16, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
