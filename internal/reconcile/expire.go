// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prefixd/prefixd/internal/mitigation"
	"github.com/prefixd/prefixd/internal/state"
)

// expiryFanOut bounds how many mitigations within one page are withdrawn
// concurrently, so a backlog of independent speaker RPCs doesn't serialize
// behind each other's retry/backoff.
const expiryFanOut = 8

// runExpiryPass walks every mitigation whose expires_at has passed,
// withdraws its FlowSpec rule, and marks it expired, one page at a time
// so a large backlog never holds an unbounded result set. Each page's
// candidates are withdrawn concurrently, bounded by expiryFanOut, since
// they're independent speaker RPCs with no ordering requirement between
// them. Returns the number of mitigations expired.
func (l *Loop) runExpiryPass(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var count atomic.Int64
	afterID := ""

	for {
		candidates, err := l.store.ListExpiredCandidates(ctx, now, afterID, pageSize)
		if err != nil {
			return int(count.Load()), err
		}
		if len(candidates) == 0 {
			return int(count.Load()), nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(expiryFanOut)
		for _, m := range candidates {
			m := m
			g.Go(func() error {
				if err := l.expireOne(gctx, m); err != nil {
					l.logger.Error("failed to expire mitigation", "mitigation_id", m.MitigationID, "error", err)
					return nil
				}
				count.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		afterID = candidates[len(candidates)-1].MitigationID
		if len(candidates) < pageSize {
			return int(count.Load()), nil
		}
	}
}

func (l *Loop) expireOne(ctx context.Context, m mitigation.Mitigation) error {
	if err := l.announcer.Withdraw(ctx, m); err != nil {
		if l.metrics != nil {
			l.metrics.WithdrawalsTotal.WithLabelValues("error").Inc()
		}
		return err
	}
	if l.metrics != nil {
		l.metrics.WithdrawalsTotal.WithLabelValues("ok").Inc()
	}

	err := l.store.UpdateMitigation(ctx, m.MitigationID, state.Patch{
		Status: statusPtr(mitigation.StatusExpired),
	})
	if err != nil {
		return err
	}

	if err := l.store.AppendAudit(ctx, mitigation.AuditEntry{
		ActorType:  mitigation.ActorSystem,
		Action:     mitigation.AuditMitigationExpired,
		TargetType: "mitigation",
		TargetID:   m.MitigationID,
	}); err != nil {
		l.logger.Error("failed to append expiry audit entry", "mitigation_id", m.MitigationID, "error", err)
	}

	if l.metrics != nil {
		l.metrics.MitigationsExpiredTotal.WithLabelValues(m.CustomerID, m.POP).Inc()
	}
	if l.bus != nil {
		l.bus.Publish(busExpiredEvent(m))
	}
	return nil
}

func statusPtr(s mitigation.Status) *mitigation.Status { return &s }
