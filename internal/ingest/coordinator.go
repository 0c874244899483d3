// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingest implements the one coordinator that wires Components
// A-E together for a single AttackEvent (spec §4.1's control flow):
// resolve against inventory, select a playbook, evaluate the guardrails,
// correlate against any existing mitigation for the scope, persist the
// decision inside one serializable transaction, announce or withdraw
// against the BGP speaker, and publish the resulting lifecycle event.
// Every step after the transaction commits is best-effort: a failed
// announce does not roll back the store, since the store - not the
// speaker - is the source of truth (spec §9 "ownership and lifetime").
package ingest

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/prefixd/prefixd/internal/bus"
	"github.com/prefixd/prefixd/internal/config"
	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/guardrail"
	"github.com/prefixd/prefixd/internal/inventory"
	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/obs"
	"github.com/prefixd/prefixd/internal/policy"
	"github.com/prefixd/prefixd/internal/scope"
	"github.com/prefixd/prefixd/internal/state"
)

// Announcer is the subset of *announcer.Client the coordinator needs.
type Announcer interface {
	Announce(ctx context.Context, m mitigation.Mitigation) error
	Withdraw(ctx context.Context, m mitigation.Mitigation) error
}

// Store is the subset of *state.Store the coordinator needs.
type Store interface {
	WithTx(ctx context.Context, fn func(*state.Tx) error) error
	IsSafelisted(ip netip.Addr) bool
}

// Coordinator wires inventory, policy, guardrail, store, and announcer
// for one ingest call at a time; it holds no per-event state itself.
type Coordinator struct {
	inventory *inventory.Index
	playbooks *policy.Holder
	store     Store
	announcer Announcer
	bus       *bus.Bus
	metrics   *obs.Metrics
	logger    *logging.Logger
	pop       string
	guardCfg  *config.GuardrailConfig
	quotaCfg  *config.QuotaConfig
	timerCfg  *config.TimerConfig
	escCfg    *config.EscalationConfig
}

// New builds a Coordinator.
func New(
	idx *inventory.Index,
	playbooks *policy.Holder,
	store Store,
	ann Announcer,
	b *bus.Bus,
	m *obs.Metrics,
	logger *logging.Logger,
	pop string,
	cfg *config.Config,
) *Coordinator {
	return &Coordinator{
		inventory: idx,
		playbooks: playbooks,
		store:     store,
		announcer: ann,
		bus:       b,
		metrics:   m,
		logger:    logger.WithComponent("ingest"),
		pop:       pop,
		guardCfg:  &cfg.Guardrails,
		quotaCfg:  &cfg.Quotas,
		timerCfg:  &cfg.Timers,
		escCfg:    &cfg.Escalation,
	}
}

// Result is what Ingest returns to the caller (the detector-facing front
// end, out of this module's scope).
type Result struct {
	EventID      string
	Duplicate    bool
	Accepted     bool
	MitigationID string
	Disposition  policy.Disposition
	Rejection    *guardrail.Rejection

	// toAnnounce/toWithdraw carry the post-commit announcer side effects
	// decided inside the transaction, applied by applyAnnounce once the
	// transaction has committed.
	toAnnounce *mitigation.Mitigation
	toWithdraw *mitigation.Mitigation
}

// Ingest runs the full decision pipeline for ev and applies it inside one
// serializable transaction (spec §4.4 "one transaction per ingest").
func (c *Coordinator) Ingest(ctx context.Context, ev mitigation.AttackEvent) (Result, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}

	if c.metrics != nil {
		c.metrics.EventsIngestedTotal.WithLabelValues(ev.Source, string(ev.Vector)).Inc()
	}

	if ev.Action == mitigation.ActionUnban {
		return c.ingestUnban(ctx, ev)
	}
	return c.ingestBan(ctx, ev)
}

func (c *Coordinator) ingestBan(ctx context.Context, ev mitigation.AttackEvent) (Result, error) {
	res, resolved := c.inventory.Lookup(ev.VictimIP)

	pb, havePlaybook := c.playbooks.Select(ev)
	if !havePlaybook {
		rejection := &guardrail.Rejection{Kind: guardrail.KindUnknownDestination, Detail: "no matching or default playbook"}
		c.recordRejection(ctx, ev, rejection)
		return Result{EventID: ev.EventID, Rejection: rejection}, nil
	}

	var proposedTTL *int
	if len(pb.Steps) > 0 {
		ttl := pb.Steps[0].TTLSeconds
		proposedTTL = &ttl
	}

	var result Result
	result.EventID = ev.EventID

	err := c.store.WithTx(ctx, func(tx *state.Tx) error {
		eventID, duplicate, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		result.Duplicate = duplicate
		if duplicate {
			result.EventID = eventID
			return nil
		}

		global, perPOP, perCustomer, err := tx.CountActive(ctx, c.pop, res.CustomerID)
		if err != nil {
			return err
		}
		usage := guardrail.QuotaUsage{ActiveForCustomer: perCustomer, ActiveForPOP: perPOP, ActiveGlobal: global}

		accepted, rejection := guardrail.Evaluate(ev, res, resolved, c.store, proposedTTL, false, usage, c.guardCfg, c.quotaCfg)
		if rejection != nil {
			result.Rejection = rejection
			return tx.AppendAudit(ctx, mitigation.AuditEntry{
				ActorType:  mitigation.ActorSystem,
				Action:     mitigation.AuditEventRejected,
				TargetType: "event",
				TargetID:   ev.EventID,
				Details:    map[string]any{"reason": string(rejection.Kind), "detail": rejection.Detail},
			})
		}

		plan, ports := policy.SelectNewMitigation(pb, accepted.Event, res)
		key := scope.Key{Prefix: victimPrefix(ev.VictimIP), Protocol: ev.Protocol, Ports: ports.Ports, Excluded: ports.Excluded}
		scopeHash, err := key.Hash()
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "ingest: compute scope hash")
		}

		// Correlation looks up the existing mitigation by victim, not by
		// scope_hash: scope_hash is a hash of the new event's own resolved
		// ports, so a scope_hash lookup can only ever find an existing
		// mitigation whose ports are already byte-identical to the new
		// event's, which would make CorrelatePorts always return
		// RelationSubsumed. Looking the victim up independent of scope
		// lets CorrelatePorts actually see the overlap (spec §4.3).
		existing, found, err := tx.FindActiveByVictim(ctx, c.pop, ev.VictimIP, ev.Protocol)
		if err != nil {
			return err
		}
		// A mitigation that hasn't been touched (created, extended, or
		// escalated) within correlation_window_seconds reads as a cold,
		// unrelated scope rather than the same ongoing attack, so the new
		// event gets its own mitigation instead of correlating against it
		// (spec's timers config names correlation_window_seconds but leaves
		// its enforcement to the implementer).
		if found && c.timerCfg.CorrelationWindowSeconds > 0 {
			window := time.Duration(c.timerCfg.CorrelationWindowSeconds) * time.Second
			if time.Since(existing.UpdatedAt) > window {
				found = false
			}
		}
		if !found {
			return c.createMitigation(ctx, tx, ev, res, pb, plan, ports, scopeHash, &result)
		}
		return c.correlate(ctx, tx, ev, res, pb, plan, ports, scopeHash, existing, &result)
	})
	if err != nil {
		return result, err
	}

	c.applyAnnounce(ctx, &result)
	return result, nil
}

func (c *Coordinator) createMitigation(
	ctx context.Context,
	tx *state.Tx,
	ev mitigation.AttackEvent,
	res inventory.Result,
	pb *policy.Playbook,
	plan policy.StepPlan,
	ports policy.PortSet,
	scopeHash [32]byte,
	result *Result,
) error {
	now := time.Now().UTC()

	if c.timerCfg.QuietPeriodAfterWithdrawSeconds > 0 {
		lastWithdrawn, found, err := tx.FindLastWithdrawnByScope(ctx, c.pop, scopeHash)
		if err != nil {
			return err
		}
		if found {
			quiet := time.Duration(c.timerCfg.QuietPeriodAfterWithdrawSeconds) * time.Second
			if now.Sub(*lastWithdrawn.WithdrawnAt) < quiet {
				rejection := &guardrail.Rejection{Kind: guardrail.KindQuietPeriodActive, Detail: lastWithdrawn.MitigationID}
				result.Rejection = rejection
				return tx.AppendAudit(ctx, mitigation.AuditEntry{
					ActorType:  mitigation.ActorSystem,
					Action:     mitigation.AuditEventRejected,
					TargetType: "event",
					TargetID:   ev.EventID,
					Details:    map[string]any{"reason": string(rejection.Kind), "scope_last_held_by": lastWithdrawn.MitigationID},
				})
			}
		}
	}

	m := mitigation.Mitigation{
		MitigationID:      uuid.NewString(),
		Status:            mitigation.StatusActive,
		VictimIP:          ev.VictimIP,
		Vector:            ev.Vector,
		CustomerID:        res.CustomerID,
		ServiceID:         res.ServiceID,
		POP:               c.pop,
		DstPrefix:         victimPrefix(ev.VictimIP),
		Protocol:          ev.Protocol,
		DstPorts:          ports.Ports,
		DstPortsExcluded:  ports.Excluded,
		ActionType:        plan.ActionType,
		RateBPS:           plan.RateBPS,
		TTLSeconds:        plan.TTLSeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(plan.TTLSeconds) * time.Second),
		TriggeringEventID: ev.EventID,
		ScopeHash:         scopeHash,
		CurrentStepIndex:  plan.StepIndex,
	}

	if err := tx.InsertMitigation(ctx, m); err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType:  mitigation.ActorSystem,
		Action:     mitigation.AuditMitigationCreated,
		TargetType: "mitigation",
		TargetID:   m.MitigationID,
		Details:    map[string]any{"playbook": pb.Name, "step": plan.StepIndex},
	}); err != nil {
		return err
	}

	result.Accepted = true
	result.MitigationID = m.MitigationID
	result.Disposition = policy.DispositionCreate
	result.toAnnounce = &m
	return nil
}

// correlate implements spec §4.3's overlap handling: extend, replace
// (supersede/merge), or escalate, depending on the relation between the
// existing mitigation's ports and the new event's resolved ports.
func (c *Coordinator) correlate(
	ctx context.Context,
	tx *state.Tx,
	ev mitigation.AttackEvent,
	res inventory.Result,
	pb *policy.Playbook,
	plan policy.StepPlan,
	ports policy.PortSet,
	scopeHash [32]byte,
	existing mitigation.Mitigation,
	result *Result,
) error {
	rel := policy.CorrelatePorts(existing.DstPorts, ports.Ports)
	disposition := policy.DispositionForRelation(rel)

	if c.escCfg.Enabled && rel == policy.RelationSubsumed &&
		policy.CanEscalate(&existing, pb, ev, res.PolicyProfile, time.Now().UTC()) {
		return c.escalate(ctx, tx, ev, pb, existing, result)
	}

	switch disposition {
	case policy.DispositionExtend:
		return c.extend(ctx, tx, pb, existing, result)
	case policy.DispositionReplace:
		return c.replace(ctx, tx, ev, existing, ports, result)
	default: // disjoint: no port overlap with the existing mitigation, so create a
		// second, parallel mitigation at its own scope_hash, subject to the
		// quotas already evaluated for this event (spec §4.3 "create a
		// parallel mitigation (distinct scope_hash) subject to quotas").
		if err := c.createMitigation(ctx, tx, ev, res, pb, plan, ports, scopeHash, result); err != nil {
			return err
		}
		result.Disposition = policy.DispositionParallel
		return nil
	}
}

func (c *Coordinator) extend(ctx context.Context, tx *state.Tx, pb *policy.Playbook, existing mitigation.Mitigation, result *Result) error {
	newExpiry := policy.Extend(&existing, pb, time.Now().UTC())
	if err := tx.UpdateMitigation(ctx, existing.MitigationID, state.Patch{ExpiresAt: &newExpiry}); err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType: mitigation.ActorSystem, Action: mitigation.AuditMitigationExtended,
		TargetType: "mitigation", TargetID: existing.MitigationID,
	}); err != nil {
		return err
	}
	result.Accepted = true
	result.MitigationID = existing.MitigationID
	result.Disposition = policy.DispositionExtend
	return nil
}

func (c *Coordinator) escalate(ctx context.Context, tx *state.Tx, ev mitigation.AttackEvent, pb *policy.Playbook, existing mitigation.Mitigation, result *Result) error {
	next := pb.Steps[existing.CurrentStepIndex+1]
	if rejection := guardrail.EvaluateEscalationConfidence(ev.Confidence, next.RequireConfidenceAtLeast); rejection != nil {
		result.Rejection = rejection
		return nil
	}

	plan := policy.Escalate(&existing, pb, time.Now().UTC())
	newExpiry := time.Now().UTC().Add(time.Duration(plan.TTLSeconds) * time.Second)
	if newExpiry.Before(existing.ExpiresAt) {
		newExpiry = existing.ExpiresAt
	}

	patch := state.Patch{
		Status:           statusPtr(mitigation.StatusEscalated),
		ActionType:       &plan.ActionType,
		RateBPS:          plan.RateBPS,
		RateBPSSet:       true,
		TTLSeconds:       &plan.TTLSeconds,
		ExpiresAt:        &newExpiry,
		CurrentStepIndex: &plan.StepIndex,
	}
	if err := tx.UpdateMitigation(ctx, existing.MitigationID, patch); err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType: mitigation.ActorSystem, Action: mitigation.AuditMitigationEscalated,
		TargetType: "mitigation", TargetID: existing.MitigationID,
		Details: map[string]any{"from_step": existing.CurrentStepIndex, "to_step": plan.StepIndex},
	}); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.EscalationsTotal.WithLabelValues(string(existing.ActionType), string(plan.ActionType)).Inc()
	}

	updated := existing
	updated.Status = mitigation.StatusEscalated
	updated.ActionType = plan.ActionType
	updated.RateBPS = plan.RateBPS
	updated.TTLSeconds = plan.TTLSeconds
	updated.ExpiresAt = newExpiry
	updated.CurrentStepIndex = plan.StepIndex

	result.Accepted = true
	result.MitigationID = existing.MitigationID
	result.Disposition = policy.DispositionEscalate
	// Escalation changes the action_type/rate carried in the NLRI's
	// extended community, so the speaker must see a withdraw of the old
	// announcement before the new one, not a second overlapping
	// announcement for the same prefix (spec §4.1 scenario 2, "announcement
	// replaced (withdraw old, announce new) atomically").
	result.toWithdraw = &existing
	result.toAnnounce = &updated
	return nil
}

// replace withdraws the existing rule's old scope and installs a fresh
// one with the unioned or superseding port set (spec §4.3 correlation
// rules 2 and 3 both resolve to a new scope_hash, so the simplest
// correct action is to retire the old row and insert a new one rather
// than mutate scope_hash in place).
func (c *Coordinator) replace(ctx context.Context, tx *state.Tx, ev mitigation.AttackEvent, existing mitigation.Mitigation, ports policy.PortSet, result *Result) error {
	now := time.Now().UTC()
	reason := "superseded"
	if err := tx.UpdateMitigation(ctx, existing.MitigationID, state.Patch{
		Status:          statusPtr(mitigation.StatusWithdrawn),
		WithdrawnAt:     &now,
		WithdrawnReason: &reason,
	}); err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType: mitigation.ActorSystem, Action: mitigation.AuditMitigationWithdrawn,
		TargetType: "mitigation", TargetID: existing.MitigationID,
		Details: map[string]any{"reason": reason},
	}); err != nil {
		return err
	}

	unionPorts := policy.UnionPorts(existing.DstPorts, ports.Ports)
	key := scope.Key{Prefix: existing.DstPrefix, Protocol: existing.Protocol, Ports: unionPorts, Excluded: ports.Excluded}
	scopeHash, err := key.Hash()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "ingest: compute replacement scope hash")
	}

	replacement := existing
	replacement.MitigationID = uuid.NewString()
	replacement.Status = mitigation.StatusActive
	replacement.DstPorts = unionPorts
	replacement.DstPortsExcluded = ports.Excluded
	replacement.CreatedAt = now
	replacement.UpdatedAt = now
	replacement.ExpiresAt = now.Add(time.Duration(existing.TTLSeconds) * time.Second)
	replacement.TriggeringEventID = ev.EventID
	replacement.ScopeHash = scopeHash
	replacement.CurrentStepIndex = 0

	if err := tx.InsertMitigation(ctx, replacement); err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType: mitigation.ActorSystem, Action: mitigation.AuditMitigationCreated,
		TargetType: "mitigation", TargetID: replacement.MitigationID,
		Details: map[string]any{"replaces": existing.MitigationID},
	}); err != nil {
		return err
	}

	result.Accepted = true
	result.MitigationID = replacement.MitigationID
	result.Disposition = policy.DispositionReplace
	result.toAnnounce = &replacement
	result.toWithdraw = &existing
	return nil
}

func (c *Coordinator) ingestUnban(ctx context.Context, ev mitigation.AttackEvent) (Result, error) {
	var result Result
	result.EventID = ev.EventID

	res, _ := c.inventory.Lookup(ev.VictimIP)
	ports := policy.ResolvePortSet(ev.TopDstPorts, res.AllowedPorts, ev.Protocol)

	err := c.store.WithTx(ctx, func(tx *state.Tx) error {
		key := scope.Key{Prefix: victimPrefix(ev.VictimIP), Protocol: ev.Protocol, Ports: ports.Ports, Excluded: ports.Excluded}
		scopeHash, err := key.Hash()
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "ingest: compute scope hash for unban")
		}

		existing, found, err := tx.FindByScope(ctx, c.pop, scopeHash)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		now := time.Now().UTC()
		reason := "unban from detector"
		if err := tx.UpdateMitigation(ctx, existing.MitigationID, state.Patch{
			Status:          statusPtr(mitigation.StatusWithdrawn),
			WithdrawnAt:     &now,
			WithdrawnReason: &reason,
		}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, mitigation.AuditEntry{
			ActorType: mitigation.ActorDetector, Action: mitigation.AuditMitigationWithdrawn,
			TargetType: "mitigation", TargetID: existing.MitigationID,
			Details: map[string]any{"reason": reason},
		}); err != nil {
			return err
		}

		result.Accepted = true
		result.MitigationID = existing.MitigationID
		result.toWithdraw = &existing
		return nil
	})
	if err != nil {
		return result, err
	}

	c.applyAnnounce(ctx, &result)
	return result, nil
}

func (c *Coordinator) recordRejection(ctx context.Context, ev mitigation.AttackEvent, rejection *guardrail.Rejection) {
	if c.metrics != nil {
		c.metrics.EventsRejectedTotal.WithLabelValues(string(rejection.Kind)).Inc()
		c.metrics.GuardrailRejectionsTotal.WithLabelValues(string(rejection.Kind)).Inc()
	}
	_ = c.store.WithTx(ctx, func(tx *state.Tx) error {
		return tx.AppendAudit(ctx, mitigation.AuditEntry{
			ActorType:  mitigation.ActorSystem,
			Action:     mitigation.AuditEventRejected,
			TargetType: "event",
			TargetID:   ev.EventID,
			Details:    map[string]any{"reason": string(rejection.Kind)},
		})
	})
}

// applyAnnounce runs the post-commit announce/withdraw side effects and
// publishes the lifecycle event. Failures here are logged and counted
// but never roll back the already-committed store decision.
func (c *Coordinator) applyAnnounce(ctx context.Context, result *Result) {
	if result.Rejection != nil {
		if c.metrics != nil {
			c.metrics.EventsRejectedTotal.WithLabelValues(string(result.Rejection.Kind)).Inc()
			c.metrics.GuardrailRejectionsTotal.WithLabelValues(string(result.Rejection.Kind)).Inc()
		}
		return
	}

	// Escalate's withdraw-then-announce pair shares one mitigation_id and
	// must not publish a withdrawn event for it: that would tell
	// subscribers the mitigation ended, when it only changed action_type.
	// The toAnnounce publish below covers the escalate case with
	// EventMitigationUpdated instead.
	if result.toWithdraw != nil {
		status := "ok"
		if err := c.announcer.Withdraw(ctx, *result.toWithdraw); err != nil {
			c.logger.Error("withdraw failed", "mitigation_id", result.toWithdraw.MitigationID, "error", err)
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.WithdrawalsTotal.WithLabelValues(status).Inc()
		}
		if c.bus != nil && result.Disposition != policy.DispositionEscalate {
			m := *result.toWithdraw
			c.bus.Publish(bus.LifecycleEvent{Kind: bus.EventMitigationWithdrawn, Mitigation: &m, MitigationID: m.MitigationID})
		}
	}

	if result.toAnnounce != nil {
		status := "ok"
		if err := c.announcer.Announce(ctx, *result.toAnnounce); err != nil {
			c.logger.Error("announce failed", "mitigation_id", result.toAnnounce.MitigationID, "error", err)
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.AnnouncementsTotal.WithLabelValues(string(result.toAnnounce.ActionType), status).Inc()
			c.metrics.MitigationsCreatedTotal.WithLabelValues(result.toAnnounce.CustomerID, result.toAnnounce.POP, string(result.toAnnounce.ActionType)).Inc()
		}
		if c.bus != nil {
			m := *result.toAnnounce
			c.bus.Publish(bus.LifecycleEvent{Kind: eventKindForDisposition(result.Disposition), Mitigation: &m, MitigationID: m.MitigationID})
		}
	}
}

// eventKindForDisposition selects the lifecycle event kind for a
// toAnnounce publish: escalation is the one disposition the bus must
// report as an update rather than a creation (spec §4.1 scenario 2,
// "emit MitigationUpdated").
func eventKindForDisposition(d policy.Disposition) bus.EventKind {
	if d == policy.DispositionEscalate {
		return bus.EventMitigationUpdated
	}
	return bus.EventMitigationCreated
}

func victimPrefix(ip netip.Addr) netip.Prefix {
	if ip.Is4() {
		return netip.PrefixFrom(ip, 32)
	}
	return netip.PrefixFrom(ip, 128)
}

func statusPtr(s mitigation.Status) *mitigation.Status { return &s }
