// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mitigation holds the core domain entities of spec §3: the
// immutable AttackEvent a detector posts, the Mitigation a playbook
// materialises from it, and the append-only AuditEntry and SafelistEntry
// records that surround them. Every other package in the core (policy,
// guardrail, state, announcer, reconcile) operates on these types rather
// than defining its own.
package mitigation

import (
	"net/netip"
	"time"
)

// Vector classifies the kind of attack a detector observed. The set is
// closed: a new vector requires a playbook update, not a schema change.
type Vector string

const (
	VectorUDPFlood               Vector = "udp_flood"
	VectorSYNFlood               Vector = "syn_flood"
	VectorACKFlood                Vector = "ack_flood"
	VectorICMPFlood               Vector = "icmp_flood"
	VectorDNSAmplification        Vector = "dns_amplification"
	VectorNTPAmplification        Vector = "ntp_amplification"
	VectorMemcachedAmplification  Vector = "memcached_amplification"
	VectorChargenAmplification    Vector = "chargen_amplification"
	VectorSSDPAmplification       Vector = "ssdp_amplification"
	VectorGeneric                 Vector = "generic"
)

// Action is the detector-requested disposition: ban creates/extends a
// mitigation, unban withdraws one.
type Action string

const (
	ActionBan   Action = "ban"
	ActionUnban Action = "unban"
)

// ActionType is the FlowSpec enforcement mode a mitigation applies.
type ActionType string

const (
	ActionTypePolice  ActionType = "police"
	ActionTypeDiscard ActionType = "discard"
)

// AttackEvent is the immutable record of one detector signal (spec §3).
type AttackEvent struct {
	EventID         string
	ExternalEventID string // detector-supplied, used for idempotency
	Source          string
	VictimIP        netip.Addr
	Vector          Vector
	BPS             *uint64
	PPS             *uint64
	Confidence      *float64 // in [0.0, 1.0]
	TopDstPorts     []uint16 // ordered, <= 8
	Protocol        *uint8   // 1, 6, or 17
	Action          Action
	RawDetails      map[string]any
	EventTimestamp  time.Time
	IngestedAt      time.Time
}

// Status is one of the six states in the mitigation lifecycle DAG (spec
// §9): pending -> {active, rejected}; active <-> escalated (forward-only);
// {active, escalated} -> {expired, withdrawn}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether status is one of the DAG's terminal vertices.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusWithdrawn, StatusRejected:
		return true
	default:
		return false
	}
}

// Active reports whether status requires a live FlowSpec announcement
// (invariant I2).
func (s Status) Active() bool {
	return s == StatusActive || s == StatusEscalated
}

// Mitigation is an active or historical rule (spec §3).
type Mitigation struct {
	MitigationID      string
	Status            Status
	VictimIP          netip.Addr
	Vector            Vector
	CustomerID        string
	ServiceID         string // may be empty
	POP               string
	DstPrefix         netip.Prefix // /32 IPv4 or /128 IPv6 only
	Protocol          *uint8       // nil = any
	DstPorts          []uint16
	DstPortsExcluded  bool
	ActionType        ActionType
	RateBPS           *uint64 // required when ActionType == police
	TTLSeconds        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
	WithdrawnAt       *time.Time
	WithdrawnReason   string
	TriggeringEventID string
	ScopeHash         [32]byte
	CurrentStepIndex  int
}

// SafelistEntry is a protected prefix that must never be mitigated.
type SafelistEntry struct {
	Prefix    netip.Prefix
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

// ActorType identifies who or what performed an audited action.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorOperator ActorType = "operator"
	ActorDetector ActorType = "detector"
)

// AuditAction is one of the closed set of audit_log action kinds.
type AuditAction string

const (
	AuditMitigationCreated    AuditAction = "mitigation_created"
	AuditMitigationEscalated  AuditAction = "mitigation_escalated"
	AuditMitigationExtended   AuditAction = "mitigation_extended"
	AuditMitigationWithdrawn  AuditAction = "mitigation_withdrawn"
	AuditMitigationExpired    AuditAction = "mitigation_expired"
	AuditEventIngested        AuditAction = "event_ingested"
	AuditEventRejected        AuditAction = "event_rejected"
	AuditGuardrailRejection   AuditAction = "guardrail_rejection"
	AuditSafelistAdd          AuditAction = "safelist_add"
	AuditSafelistRemove       AuditAction = "safelist_remove"
	AuditConfigReload         AuditAction = "config_reload"
	AuditReconciliationRun    AuditAction = "reconciliation_run"
)

// AuditEntry is a single append-only audit log record.
type AuditEntry struct {
	AuditID    string
	Timestamp  time.Time
	ActorType  ActorType
	ActorID    string
	Action     AuditAction
	TargetType string
	TargetID   string
	Details    map[string]any
	IPAddress  string
}
