// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconcile implements Component F: the periodic loop that keeps
// the store, the announced FlowSpec rules, and the wall clock in sync.
// Every tick runs two ordered passes (spec §4.6): first expire any
// mitigation whose expires_at has passed, then compare the store's active
// set against what the BGP speaker actually holds and repair any drift.
// Expiry runs first so a mitigation that expired and was re-created in
// the same tick (a detector re-firing) never gets its fresh announcement
// clobbered by a stale drift-repair pass. Grounded on the teacher's
// metrics collector: a ticker plus stop-channel loop guarding a bounded
// interval of work.
package reconcile

import (
	"context"
	"time"

	"github.com/prefixd/prefixd/internal/bus"
	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/obs"
	"github.com/prefixd/prefixd/internal/scope"
	"github.com/prefixd/prefixd/internal/state"
)

// pageSize bounds how many expired candidates are pulled per page during
// one expiry pass, so a tick with a large backlog doesn't hold a single
// unbounded result set in memory.
const pageSize = 200

// Announcer is the subset of *announcer.Client the loop needs, narrowed
// so tests can supply a fake BGP speaker.
type Announcer interface {
	Announce(ctx context.Context, m mitigation.Mitigation) error
	Withdraw(ctx context.Context, m mitigation.Mitigation) error
	ListActiveScopes(ctx context.Context) ([]scope.Key, error)
}

// Store is the subset of *state.Store the loop needs.
type Store interface {
	ListExpiredCandidates(ctx context.Context, now time.Time, afterID string, limit int) ([]mitigation.Mitigation, error)
	ListActive(ctx context.Context, filter state.ActiveFilter) ([]mitigation.Mitigation, error)
	UpdateMitigation(ctx context.Context, id string, patch state.Patch) error
	AppendAudit(ctx context.Context, e mitigation.AuditEntry) error
}

// Loop runs the two-pass reconciliation cycle on a fixed interval.
type Loop struct {
	store     Store
	announcer Announcer
	bus       *bus.Bus
	metrics   *obs.Metrics
	logger    *logging.Logger
	pop       string
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config configures a Loop.
type Config struct {
	POP      string
	Interval time.Duration
}

// New builds a Loop. interval <= 0 falls back to 30s, matching
// config.TimerConfig's documented default.
func New(cfg Config, store Store, ann Announcer, b *bus.Bus, m *obs.Metrics, logger *logging.Logger) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		store:     store,
		announcer: ann,
		bus:       b,
		metrics:   m,
		logger:    logger.WithComponent("reconcile"),
		pop:       cfg.POP,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called. Intended to be
// run in its own goroutine.
func (l *Loop) Start(ctx context.Context) {
	defer close(l.doneCh)
	l.logger.Info("starting reconciliation loop", "interval", l.interval.String(), "pop", l.pop)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runOnce(ctx)
		case <-l.stopCh:
			l.logger.Info("stopping reconciliation loop")
			return
		case <-ctx.Done():
			l.logger.Info("reconciliation loop context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit and blocks until it has.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) runOnce(ctx context.Context) {
	start := time.Now()
	result := "ok"

	expired, err := l.runExpiryPass(ctx)
	if err != nil {
		l.logger.Error("expiry pass failed", "error", err)
		result = "error"
	}

	drift, err := l.runDriftPass(ctx)
	if err != nil {
		l.logger.Error("drift pass failed", "error", err)
		result = "error"
	}

	if l.metrics != nil {
		l.metrics.ReconciliationRunsTotal.WithLabelValues(result).Inc()
		l.metrics.ReconciliationDurationSeconds.Observe(time.Since(start).Seconds())
	}

	l.logger.Info("reconciliation tick complete",
		"expired", expired, "repaired", drift, "result", result, "duration", time.Since(start).String())

	_ = l.store.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType:  mitigation.ActorSystem,
		Action:     mitigation.AuditReconciliationRun,
		TargetType: "pop",
		TargetID:   l.pop,
		Details: map[string]any{
			"expired":  expired,
			"repaired": drift,
			"result":   result,
		},
	})
}

// scopeKeyOf builds the scope.Key for a stored mitigation, the same shape
// the announcer decodes back out of a speaker-held path's NLRI, so the
// drift pass can compare the two on a common, comparable value instead of
// destination prefix alone (parallel mitigations share a prefix but not a
// scope).
func scopeKeyOf(m mitigation.Mitigation) scope.Key {
	return scope.Key{Prefix: m.DstPrefix, Protocol: m.Protocol, Ports: m.DstPorts, Excluded: m.DstPortsExcluded}
}
