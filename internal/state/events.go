// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// InsertEvent persists ev, generating an event_id if unset. Idempotent
// on (source, external_event_id): a duplicate returns the first-seen
// event_id and duplicate=true without modifying the row (spec §4.4).
func (tx *Tx) InsertEvent(ctx context.Context, ev mitigation.AttackEvent) (eventID string, duplicate bool, err error) {
	return insertEvent(ctx, tx.tx, ev)
}

// InsertEvent is the standalone (non-transactional) form, used when an
// event is recorded outside the main ingest transaction (e.g. duplicate
// detection prior to policy evaluation).
func (s *Store) InsertEvent(ctx context.Context, ev mitigation.AttackEvent) (eventID string, duplicate bool, err error) {
	return insertEvent(ctx, s.db, ev)
}

func insertEvent(ctx context.Context, q querier, ev mitigation.AttackEvent) (string, bool, error) {
	var existing string
	row := q.QueryRowContext(ctx, `SELECT event_id FROM events WHERE source = ? AND external_event_id = ?`, ev.Source, ev.ExternalEventID)
	switch err := row.Scan(&existing); {
	case err == nil:
		return existing, true, nil
	case stderrors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", false, wrapSQL(err, "check event duplicate")
	}

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	ports, err := encodePorts(ev.TopDstPorts)
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "state: encode top_dst_ports")
	}
	details, err := encodeDetails(ev.RawDetails)
	if err != nil {
		return "", false, errors.Wrap(err, errors.KindInternal, "state: encode raw_details")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO events (event_id, external_event_id, source, victim_ip, vector, bps, pps, confidence,
			top_dst_ports, protocol, action, raw_details, event_timestamp, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventID, ev.ExternalEventID, ev.Source, ev.VictimIP.String(), string(ev.Vector),
		nullableUint64(ev.BPS), nullableUint64(ev.PPS), nullableFloat64(ev.Confidence),
		ports, nullableUint8(ev.Protocol), string(ev.Action), details,
		ev.EventTimestamp.UTC().Unix(), ev.IngestedAt.UTC().Unix(),
	)
	if err != nil {
		return "", false, wrapSQL(err, "insert event")
	}
	return ev.EventID, false, nil
}

func nullableUint64(v *uint64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableUint8(v *uint8) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
