// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// AppendAudit writes an append-only audit_log record inside tx.
func (tx *Tx) AppendAudit(ctx context.Context, e mitigation.AuditEntry) error {
	return appendAudit(ctx, tx.tx, e)
}

// AppendAudit is the standalone form, used by the reconciliation loop
// and config-reload paths that run outside an ingest transaction.
func (s *Store) AppendAudit(ctx context.Context, e mitigation.AuditEntry) error {
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q querier, e mitigation.AuditEntry) error {
	if e.AuditID == "" {
		e.AuditID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	details, err := encodeDetails(e.Details)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "state: encode audit details")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, timestamp, actor_type, actor_id, action, target_type, target_id, details, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.AuditID, e.Timestamp.Unix(), string(e.ActorType), e.ActorID, string(e.Action), e.TargetType, e.TargetID, details, e.IPAddress)
	return wrapSQL(err, "append audit entry")
}

// ListAudit returns audit entries for a target, most recent first,
// bounded by limit. Used by operator tooling, not the core loop.
func (s *Store) ListAudit(ctx context.Context, targetType, targetID string, limit int) ([]mitigation.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, timestamp, actor_type, actor_id, action, target_type, target_id, details, ip_address
		FROM audit_log WHERE target_type = ? AND target_id = ? ORDER BY timestamp DESC LIMIT ?
	`, targetType, targetID, limit)
	if err != nil {
		return nil, wrapSQL(err, "list audit entries")
	}
	defer rows.Close()

	var out []mitigation.AuditEntry
	for rows.Next() {
		var (
			e    mitigation.AuditEntry
			ts   int64
			actorType, action, details string
		)
		if err := rows.Scan(&e.AuditID, &ts, &actorType, &e.ActorID, &action, &e.TargetType, &e.TargetID, &details, &e.IPAddress); err != nil {
			return nil, wrapSQL(err, "scan audit entry")
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.ActorType = mitigation.ActorType(actorType)
		e.Action = mitigation.AuditAction(action)
		decoded, err := decodeDetails(details)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "state: decode audit details")
		}
		e.Details = decoded
		out = append(out, e)
	}
	return out, rows.Err()
}
