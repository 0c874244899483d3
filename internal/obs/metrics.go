// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package obs defines the Prometheus metric surface the core must emit
// (spec §6). Grounded on the teacher's eBPF metrics registry: one struct
// of pre-registered collectors, built once and threaded through the
// components that update them.
package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the core control loop updates.
type Metrics struct {
	EventsIngestedTotal       *prometheus.CounterVec
	EventsRejectedTotal       *prometheus.CounterVec
	MitigationsCreatedTotal   *prometheus.CounterVec
	MitigationsExpiredTotal   *prometheus.CounterVec
	MitigationsWithdrawnTotal *prometheus.CounterVec
	EscalationsTotal          *prometheus.CounterVec
	AnnouncementsTotal        *prometheus.CounterVec
	WithdrawalsTotal          *prometheus.CounterVec
	GuardrailRejectionsTotal  *prometheus.CounterVec
	ReconciliationRunsTotal   *prometheus.CounterVec

	MitigationsActive         *prometheus.GaugeVec
	ReconciliationActiveCount *prometheus.GaugeVec
	BGPSessionUp              *prometheus.GaugeVec

	AnnouncementLatencySeconds    prometheus.Histogram
	ReconciliationDurationSeconds prometheus.Histogram
}

// New builds a Metrics with every collector constructed but not yet
// registered; call Register to attach them to a registry (nil uses the
// default one, matching the teacher's top-level NewMetrics/Get split).
func New() *Metrics {
	return &Metrics{
		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_events_ingested_total",
			Help: "Total attack-detection events ingested.",
		}, []string{"source", "vector"}),
		EventsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_events_rejected_total",
			Help: "Total attack-detection events rejected by the guardrail evaluator.",
		}, []string{"reason"}),
		MitigationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_mitigations_created_total",
			Help: "Total mitigations created.",
		}, []string{"customer", "pop", "action"}),
		MitigationsExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_mitigations_expired_total",
			Help: "Total mitigations expired by the reconciliation loop.",
		}, []string{"customer", "pop"}),
		MitigationsWithdrawnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_mitigations_withdrawn_total",
			Help: "Total mitigations withdrawn.",
		}, []string{"customer", "pop", "reason"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_escalations_total",
			Help: "Total playbook step escalations.",
		}, []string{"from_action", "to_action"}),
		AnnouncementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_announcements_total",
			Help: "Total FlowSpec announce RPCs issued to the BGP speaker.",
		}, []string{"action", "result"}),
		WithdrawalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_withdrawals_total",
			Help: "Total FlowSpec withdraw RPCs issued to the BGP speaker.",
		}, []string{"result"}),
		GuardrailRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_guardrail_rejections_total",
			Help: "Total guardrail rejections by kind.",
		}, []string{"reason"}),
		ReconciliationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefixd_reconciliation_runs_total",
			Help: "Total reconciliation loop runs.",
		}, []string{"result"}),

		MitigationsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefixd_mitigations_active",
			Help: "Current count of active/escalated mitigations.",
		}, []string{"customer", "pop"}),
		ReconciliationActiveCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefixd_reconciliation_active_count",
			Help: "Active mitigation count as observed by the last reconciliation pass.",
		}, []string{"pop"}),
		BGPSessionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefixd_bgp_session_up",
			Help: "Whether the BGP session to a peer is established (1) or not (0).",
		}, []string{"peer"}),

		AnnouncementLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefixd_announcement_latency_seconds",
			Help:    "Latency of announce/withdraw RPCs to the BGP speaker.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconciliationDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefixd_reconciliation_duration_seconds",
			Help:    "Duration of a full reconciliation loop pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register attaches every collector to reg (prometheus.DefaultRegisterer
// if nil).
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.EventsIngestedTotal, m.EventsRejectedTotal, m.MitigationsCreatedTotal,
		m.MitigationsExpiredTotal, m.MitigationsWithdrawnTotal, m.EscalationsTotal,
		m.AnnouncementsTotal, m.WithdrawalsTotal, m.GuardrailRejectionsTotal,
		m.ReconciliationRunsTotal, m.MitigationsActive, m.ReconciliationActiveCount,
		m.BGPSessionUp, m.AnnouncementLatencySeconds, m.ReconciliationDurationSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
