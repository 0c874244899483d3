// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package guardrail implements Component B: a pure function evaluating
// an AttackEvent, its resolved inventory context, current quota usage,
// and the running config into either an AcceptedEvent or a
// GuardrailRejection (spec §4.2). Evaluate never touches the store or
// the network; callers read quota counters inside the same transaction
// that would insert the mitigation, so decisions reflect a consistent
// snapshot.
package guardrail

import (
	"net/netip"

	"github.com/prefixd/prefixd/internal/config"
	"github.com/prefixd/prefixd/internal/inventory"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// RejectionKind is the closed set of reasons Evaluate may reject an
// event, per the table in spec §4.2.
type RejectionKind string

const (
	KindUnknownDestination      RejectionKind = "unknown_destination"
	KindSafelisted              RejectionKind = "safelisted"
	KindPrefixTooBroad          RejectionKind = "prefix_too_broad"
	KindTTLOutOfBounds          RejectionKind = "ttl_out_of_bounds"
	KindTooManyPorts            RejectionKind = "too_many_ports"
	KindInvalidPort             RejectionKind = "invalid_port"
	KindMissingTTL              RejectionKind = "missing_ttl"
	KindQuotaCustomer           RejectionKind = "quota_customer"
	KindQuotaPOP                RejectionKind = "quota_pop"
	KindQuotaGlobal              RejectionKind = "quota_global"
	KindSrcMatchDisabled        RejectionKind = "src_match_disabled"
	KindConfidenceTooLowForStep RejectionKind = "confidence_too_low_for_step"
	KindQuietPeriodActive       RejectionKind = "quiet_period_active"
)

// Rejection carries the kind plus enough context for the audit entry.
type Rejection struct {
	Kind   RejectionKind
	Detail string
}

func (r *Rejection) Error() string { return string(r.Kind) + ": " + r.Detail }

// QuotaUsage is the active-mitigation count, read from the store inside
// the enclosing transaction, at each level the guardrails cap.
type QuotaUsage struct {
	ActiveForCustomer int
	ActiveForPOP      int
	ActiveGlobal      int
}

// AcceptedEvent is an event that cleared every guardrail. It carries
// only the event; the actual /32 or /128 prefix is computed by the
// ingest coordinator from VictimIP.
type AcceptedEvent struct {
	Event mitigation.AttackEvent
}

// SafelistChecker abstracts the store's is_safelisted operation so this
// package stays free of a store dependency.
type SafelistChecker interface {
	IsSafelisted(ip netip.Addr) bool
}

// Evaluate is the pure guardrail decision function of spec §4.2. It
// assumes ev has already been resolved against inventory (res, ok) by
// the caller; ok=false maps directly to unknown_destination.
func Evaluate(
	ev mitigation.AttackEvent,
	res inventory.Result,
	resolved bool,
	safelist SafelistChecker,
	proposedTTLSeconds *int,
	requestsSourceMatch bool,
	usage QuotaUsage,
	cfg *config.GuardrailConfig,
	quotas *config.QuotaConfig,
) (AcceptedEvent, *Rejection) {
	if !resolved {
		return AcceptedEvent{}, &Rejection{Kind: KindUnknownDestination, Detail: ev.VictimIP.String()}
	}

	if safelist != nil && safelist.IsSafelisted(ev.VictimIP) {
		return AcceptedEvent{}, &Rejection{Kind: KindSafelisted, Detail: ev.VictimIP.String()}
	}

	if requestsSourceMatch && !cfg.AllowSourceMatch {
		return AcceptedEvent{}, &Rejection{Kind: KindSrcMatchDisabled}
	}

	maxPrefixLen := cfg.MaxPrefixLenIPv4
	if ev.VictimIP.Is6() && !ev.VictimIP.Is4In6() {
		maxPrefixLen = cfg.MaxPrefixLenIPv6
	}
	victimBits := ev.VictimIP.BitLen()
	if victimBits < maxPrefixLen {
		return AcceptedEvent{}, &Rejection{Kind: KindPrefixTooBroad, Detail: "victim prefix coarser than configured max"}
	}

	if proposedTTLSeconds != nil {
		ttl := *proposedTTLSeconds
		if ttl < cfg.MinTTLSeconds || ttl > cfg.MaxTTLSeconds {
			return AcceptedEvent{}, &Rejection{Kind: KindTTLOutOfBounds}
		}
	} else if cfg.RequireTTL {
		return AcceptedEvent{}, &Rejection{Kind: KindMissingTTL}
	}

	if len(ev.TopDstPorts) > cfg.MaxPorts {
		return AcceptedEvent{}, &Rejection{Kind: KindTooManyPorts}
	}
	for _, p := range ev.TopDstPorts {
		if p == 0 {
			return AcceptedEvent{}, &Rejection{Kind: KindInvalidPort, Detail: "port 0 is not valid"}
		}
	}

	if usage.ActiveForCustomer >= quotas.MaxActivePerCustomer {
		return AcceptedEvent{}, &Rejection{Kind: KindQuotaCustomer}
	}
	if usage.ActiveForPOP >= quotas.MaxActivePerPOP {
		return AcceptedEvent{}, &Rejection{Kind: KindQuotaPOP}
	}
	if usage.ActiveGlobal >= quotas.MaxActiveGlobal {
		return AcceptedEvent{}, &Rejection{Kind: KindQuotaGlobal}
	}

	return AcceptedEvent{Event: ev}, nil
}

// EvaluateEscalationConfidence is the one guardrail check that applies
// only on the escalation path, where the policy engine has already
// decided the next step's predicates are met except confidence; kept
// distinct so the plain-ingest Evaluate above never needs a *Step.
func EvaluateEscalationConfidence(eventConfidence *float64, requireConfidenceAtLeast *float64) *Rejection {
	if requireConfidenceAtLeast == nil {
		return nil
	}
	if eventConfidence == nil || *eventConfidence < *requireConfidenceAtLeast {
		return &Rejection{Kind: KindConfidenceTooLowForStep}
	}
	return nil
}
