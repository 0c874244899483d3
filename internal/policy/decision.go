// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"time"

	"github.com/prefixd/prefixd/internal/inventory"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// Disposition is the outcome the ingest coordinator must apply to the
// store, one of the variants enumerated in spec §4.1's control flow:
// create, extend, replace, escalate, or parallel. A rejection is not a
// Disposition; the coordinator reports it in Result.Rejection.
type Disposition string

const (
	DispositionCreate   Disposition = "create"
	DispositionExtend   Disposition = "extend"
	DispositionReplace  Disposition = "replace"
	DispositionEscalate Disposition = "escalate"
	DispositionParallel Disposition = "parallel"
)

// StepPlan is the concrete step parameters to apply to a mitigation,
// resolved from a Playbook + Step at a given time.
type StepPlan struct {
	StepIndex  int
	ActionType mitigation.ActionType
	RateBPS    *uint64
	TTLSeconds int
}

// SelectNewMitigation resolves the playbook step-0 plan and port set for
// a brand-new mitigation (spec §4.3 "For a new mitigation").
func SelectNewMitigation(pb *Playbook, ev mitigation.AttackEvent, res inventory.Result) (StepPlan, PortSet) {
	step := pb.Steps[0]
	ports := ResolvePortSet(ev.TopDstPorts, res.AllowedPorts, ev.Protocol)
	return StepPlan{StepIndex: step.Index, ActionType: step.ActionType, RateBPS: step.RateBPS, TTLSeconds: step.TTLSeconds}, ports
}

// Extend computes the idempotent TTL push for a repeat event against the
// same, still-active scope (spec §4.3 "For an extension"): updated_at
// becomes now, expires_at becomes max(expires_at, now+step.ttl), and
// current_step_index is unchanged.
func Extend(m *mitigation.Mitigation, pb *Playbook, now time.Time) (newExpiresAt time.Time) {
	step := pb.Steps[m.CurrentStepIndex]
	candidate := now.Add(time.Duration(step.TTLSeconds) * time.Second)
	if candidate.After(m.ExpiresAt) {
		return candidate
	}
	return m.ExpiresAt
}

// CanEscalate reports whether m may advance to the next step in pb,
// given the resolved profile and the triggering event (spec §4.3 "For an
// escalation").
func CanEscalate(m *mitigation.Mitigation, pb *Playbook, ev mitigation.AttackEvent, profile inventory.PolicyProfile, now time.Time) bool {
	if profile == inventory.ProfileStrict {
		return false
	}
	if m.CurrentStepIndex >= len(pb.Steps)-1 {
		return false
	}
	next := pb.Steps[m.CurrentStepIndex+1]

	if next.RequireConfidenceAtLeast != nil {
		if ev.Confidence == nil || *ev.Confidence < *next.RequireConfidenceAtLeast {
			return false
		}
	}
	if next.RequirePersistenceSecs != nil {
		elapsed := now.Sub(m.CreatedAt)
		if elapsed < time.Duration(*next.RequirePersistenceSecs)*time.Second {
			return false
		}
	}
	return true
}

// Escalate resolves the next step in pb for m, returning it as a
// StepPlan; the caller computes the new expiry from its TTLSeconds and
// does not mutate m here. Callers persist this under a store
// transaction and then emit MitigationUpdated + audit mitigation_escalated.
func Escalate(m *mitigation.Mitigation, pb *Playbook, now time.Time) StepPlan {
	next := pb.Steps[m.CurrentStepIndex+1]
	return StepPlan{
		StepIndex:  next.Index,
		ActionType: next.ActionType,
		RateBPS:    next.RateBPS,
		TTLSeconds: next.TTLSeconds,
	}
}

// ScopeRelation classifies how two overlapping scopes' port sets relate,
// per spec §4.3 "Correlation for a second, overlapping event".
type ScopeRelation string

const (
	RelationSubsumed  ScopeRelation = "subsumed"  // B subset of A: extend A only
	RelationSupersede ScopeRelation = "supersede" // A subset of B: replace A with A'
	RelationMerge     ScopeRelation = "merge"     // overlap but neither contains the other: union
	RelationDisjoint  ScopeRelation = "disjoint"  // no overlap: parallel mitigation
)

// CorrelatePorts classifies portsA (existing mitigation) against portsB
// (new event) for the same (pop, victim, protocol). An empty port slice
// means "any port" and is treated as a superset of everything.
func CorrelatePorts(portsA, portsB []uint16) ScopeRelation {
	if len(portsA) == 0 {
		return RelationSubsumed
	}
	if len(portsB) == 0 {
		return RelationSupersede
	}

	setA := toSet(portsA)
	setB := toSet(portsB)

	aSupersetOfB := isSubsetSet(setB, setA)
	bSupersetOfA := isSubsetSet(setA, setB)

	switch {
	case aSupersetOfB:
		return RelationSubsumed
	case bSupersetOfA:
		return RelationSupersede
	case overlaps(setA, setB):
		return RelationMerge
	default:
		return RelationDisjoint
	}
}

func toSet(ports []uint16) map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set
}

func isSubsetSet(sub, super map[uint16]struct{}) bool {
	for p := range sub {
		if _, ok := super[p]; !ok {
			return false
		}
	}
	return true
}

func overlaps(a, b map[uint16]struct{}) bool {
	for p := range a {
		if _, ok := b[p]; ok {
			return true
		}
	}
	return false
}

// DispositionForRelation maps a ScopeRelation to the ingest Disposition
// the coordinator must apply.
func DispositionForRelation(rel ScopeRelation) Disposition {
	switch rel {
	case RelationSubsumed:
		return DispositionExtend
	case RelationSupersede:
		return DispositionReplace
	case RelationMerge:
		return DispositionReplace
	default:
		return DispositionParallel
	}
}
