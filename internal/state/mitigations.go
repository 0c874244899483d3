// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// Patch carries the subset of mitigation.Mitigation fields update_mitigation
// may change: TTL extension, escalation, and status transitions each set
// a different subset.
type Patch struct {
	Status           *mitigation.Status
	ActionType       *mitigation.ActionType
	RateBPS          *uint64
	RateBPSSet       bool // distinguishes "set to nil" from "leave unchanged"
	TTLSeconds       *int
	ExpiresAt        *time.Time
	CurrentStepIndex *int
	WithdrawnAt      *time.Time
	WithdrawnReason  *string
}

// InsertMitigation persists m, failing with errors.KindScopeCollision if
// a non-terminal mitigation already exists for (pop, scope_hash) (spec
// §4.4, invariant I3).
func (tx *Tx) InsertMitigation(ctx context.Context, m mitigation.Mitigation) error {
	return insertMitigation(ctx, tx.tx, m)
}

func insertMitigation(ctx context.Context, q querier, m mitigation.Mitigation) error {
	var existing string
	row := q.QueryRowContext(ctx, `
		SELECT mitigation_id FROM mitigations
		WHERE pop = ? AND scope_hash = ? AND status NOT IN ('expired','withdrawn','rejected')
	`, m.POP, encodeScopeHash(m.ScopeHash))
	switch err := row.Scan(&existing); {
	case err == nil:
		return errors.Errorf(errors.KindScopeCollision, "state: non-terminal mitigation %s already occupies this scope", existing)
	case stderrors.Is(err, sql.ErrNoRows):
		// clear to insert
	default:
		return wrapSQL(err, "check scope collision")
	}

	if m.MitigationID == "" {
		m.MitigationID = uuid.NewString()
	}

	ports, err := encodePorts(m.DstPorts)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "state: encode dst_ports")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO mitigations (mitigation_id, status, victim_ip, vector, customer_id, service_id, pop,
			dst_prefix, protocol, dst_ports, dst_ports_excluded, action_type, rate_bps, ttl_seconds,
			created_at, updated_at, expires_at, withdrawn_at, withdrawn_reason, triggering_event_id,
			scope_hash, current_step_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.MitigationID, string(m.Status), m.VictimIP.String(), string(m.Vector), m.CustomerID, m.ServiceID, m.POP,
		m.DstPrefix.String(), nullableUint8(m.Protocol), ports, boolToInt(m.DstPortsExcluded), string(m.ActionType),
		nullableUint64(m.RateBPS), m.TTLSeconds,
		m.CreatedAt.UTC().Unix(), m.UpdatedAt.UTC().Unix(), m.ExpiresAt.UTC().Unix(),
		nullableUnixPtr(m.WithdrawnAt), m.WithdrawnReason, m.TriggeringEventID,
		encodeScopeHash(m.ScopeHash), m.CurrentStepIndex,
	)
	return wrapSQL(err, "insert mitigation")
}

// UpdateMitigation applies patch to the mitigation row identified by id,
// under the row lock implied by the enclosing transaction (spec §4.4).
func (tx *Tx) UpdateMitigation(ctx context.Context, id string, patch Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowUnix()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ActionType != nil {
		sets = append(sets, "action_type = ?")
		args = append(args, string(*patch.ActionType))
	}
	if patch.RateBPSSet {
		sets = append(sets, "rate_bps = ?")
		args = append(args, nullableUint64(patch.RateBPS))
	}
	if patch.TTLSeconds != nil {
		sets = append(sets, "ttl_seconds = ?")
		args = append(args, *patch.TTLSeconds)
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, patch.ExpiresAt.UTC().Unix())
	}
	if patch.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *patch.CurrentStepIndex)
	}
	if patch.WithdrawnAt != nil {
		sets = append(sets, "withdrawn_at = ?")
		args = append(args, patch.WithdrawnAt.UTC().Unix())
	}
	if patch.WithdrawnReason != nil {
		sets = append(sets, "withdrawn_reason = ?")
		args = append(args, *patch.WithdrawnReason)
	}

	query := "UPDATE mitigations SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE mitigation_id = ?"
	args = append(args, id)

	res, err := tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapSQL(err, "update mitigation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapSQL(err, "update mitigation rows affected")
	}
	if n == 0 {
		return errors.Errorf(errors.KindNotFound, "state: mitigation %s not found", id)
	}
	return nil
}

// UpdateMitigation applies patch to mitigation id in its own transaction,
// for callers (the reconciliation loop) that don't need to fold the
// update into a larger one-transaction-per-ingest unit of work.
func (s *Store) UpdateMitigation(ctx context.Context, id string, patch Patch) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateMitigation(ctx, id, patch)
	})
}

// ActiveFilter selects the scope for list_active.
type ActiveFilter struct {
	CustomerID string // empty = any
	POP        string // empty = any
	Limit      int
	AfterCreatedAt time.Time // pagination cursor, exclusive
}

// ListActive returns active/escalated mitigations matching filter,
// paginated by created_at ascending (spec §4.4 "stable pagination").
func (s *Store) ListActive(ctx context.Context, filter ActiveFilter) ([]mitigation.Mitigation, error) {
	query := `SELECT ` + mitigationColumns + ` FROM mitigations WHERE status IN ('active','escalated')`
	var args []any
	if filter.CustomerID != "" {
		query += " AND customer_id = ?"
		args = append(args, filter.CustomerID)
	}
	if filter.POP != "" {
		query += " AND pop = ?"
		args = append(args, filter.POP)
	}
	if !filter.AfterCreatedAt.IsZero() {
		query += " AND created_at > ?"
		args = append(args, filter.AfterCreatedAt.UTC().Unix())
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQL(err, "list active mitigations")
	}
	defer rows.Close()
	return scanMitigations(rows)
}

// ListExpiredCandidates returns active/escalated mitigations with
// expires_at <= now, paged by mitigation_id so the reconciliation loop
// can page through the whole set without a silent cap (spec §4.4).
func (s *Store) ListExpiredCandidates(ctx context.Context, now time.Time, afterID string, limit int) ([]mitigation.Mitigation, error) {
	query := `SELECT ` + mitigationColumns + ` FROM mitigations
		WHERE status IN ('active','escalated') AND expires_at <= ? AND mitigation_id > ?
		ORDER BY mitigation_id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Unix(), afterID, limit)
	if err != nil {
		return nil, wrapSQL(err, "list expired candidates")
	}
	defer rows.Close()
	return scanMitigations(rows)
}

// FindByScope returns the non-terminal mitigation occupying (pop,
// scopeHash), if any. The ingest coordinator's unban path uses it to
// find the mitigation to withdraw.
func (tx *Tx) FindByScope(ctx context.Context, pop string, scopeHash [32]byte) (mitigation.Mitigation, bool, error) {
	query := `SELECT ` + mitigationColumns + ` FROM mitigations
		WHERE pop = ? AND scope_hash = ? AND status NOT IN ('expired','withdrawn','rejected')`
	row := tx.tx.QueryRowContext(ctx, query, pop, encodeScopeHash(scopeHash))
	m, err := scanMitigation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return mitigation.Mitigation{}, false, nil
	}
	if err != nil {
		return mitigation.Mitigation{}, false, wrapSQL(err, "find by scope")
	}
	return m, true, nil
}

// FindActiveByVictim returns the active/escalated mitigation for (pop,
// victimIP, protocol), if any, independent of scope_hash. The correlator
// (spec §4.3 "Correlation for a second, overlapping event") needs the
// existing mitigation for this victim regardless of whether its port set
// matches the new event's resolved ports byte-for-byte — scope_hash only
// ever matches when the two are identical, so a scope_hash lookup can
// never surface the overlapping-but-different-ports case this query
// exists to find. protocol nil ("any") only matches an existing row
// whose protocol is also nil; a protocol-specific event does not
// correlate against a protocol-agnostic existing mitigation or vice
// versa, since their scopes are not comparable port sets of the same
// protocol.
func (tx *Tx) FindActiveByVictim(ctx context.Context, pop string, victimIP netip.Addr, protocol *uint8) (mitigation.Mitigation, bool, error) {
	query := `SELECT ` + mitigationColumns + ` FROM mitigations
		WHERE pop = ? AND victim_ip = ? AND protocol IS ? AND status IN ('active','escalated')
		ORDER BY created_at ASC LIMIT 1`
	row := tx.tx.QueryRowContext(ctx, query, pop, victimIP.String(), nullableUint8(protocol))
	m, err := scanMitigation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return mitigation.Mitigation{}, false, nil
	}
	if err != nil {
		return mitigation.Mitigation{}, false, wrapSQL(err, "find active by victim")
	}
	return m, true, nil
}

// FindLastWithdrawnByScope returns the most recently withdrawn mitigation
// for (pop, scopeHash), if any. This is the lookup the quiet-period check
// needs: spec §9's open question on quiet_period_after_withdraw_seconds
// is resolved per scope_hash (the spec's stated "safer choice", to
// prevent flapping) rather than per external_event_id, so a new
// mitigation may not re-occupy a scope its predecessor just vacated
// until the quiet period has elapsed since that withdrawal. Expiry is
// deliberately excluded (status = 'withdrawn' only): an explicit
// withdrawal is the flapping signal the quiet period guards against, not
// a mitigation simply running out its TTL.
func (tx *Tx) FindLastWithdrawnByScope(ctx context.Context, pop string, scopeHash [32]byte) (mitigation.Mitigation, bool, error) {
	query := `SELECT ` + mitigationColumns + ` FROM mitigations
		WHERE pop = ? AND scope_hash = ? AND status = 'withdrawn' AND withdrawn_at IS NOT NULL
		ORDER BY withdrawn_at DESC LIMIT 1`
	row := tx.tx.QueryRowContext(ctx, query, pop, encodeScopeHash(scopeHash))
	m, err := scanMitigation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return mitigation.Mitigation{}, false, nil
	}
	if err != nil {
		return mitigation.Mitigation{}, false, wrapSQL(err, "find last withdrawn by scope")
	}
	return m, true, nil
}

// CountActive returns the active/escalated count at global, pop, and
// customer granularity, all read from the same transaction so the
// guardrail sees a consistent snapshot (spec §4.2).
func (tx *Tx) CountActive(ctx context.Context, pop, customerID string) (global, perPOP, perCustomer int, err error) {
	if err = tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mitigations WHERE status IN ('active','escalated')`).Scan(&global); err != nil {
		return 0, 0, 0, wrapSQL(err, "count active global")
	}
	if err = tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mitigations WHERE status IN ('active','escalated') AND pop = ?`, pop).Scan(&perPOP); err != nil {
		return 0, 0, 0, wrapSQL(err, "count active pop")
	}
	if err = tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mitigations WHERE status IN ('active','escalated') AND customer_id = ?`, customerID).Scan(&perCustomer); err != nil {
		return 0, 0, 0, wrapSQL(err, "count active customer")
	}
	return global, perPOP, perCustomer, nil
}

const mitigationColumns = `mitigation_id, status, victim_ip, vector, customer_id, service_id, pop,
	dst_prefix, protocol, dst_ports, dst_ports_excluded, action_type, rate_bps, ttl_seconds,
	created_at, updated_at, expires_at, withdrawn_at, withdrawn_reason, triggering_event_id,
	scope_hash, current_step_index`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMitigation(row rowScanner) (mitigation.Mitigation, error) {
	var (
		m                                        mitigation.Mitigation
		status, victimIP, vector, actionType     string
		dstPrefix, scopeHashHex                  string
		protocol                                 sql.NullInt64
		dstPorts                                 string
		dstPortsExcluded                         int
		rateBPS                                  sql.NullInt64
		createdAt, updatedAt, expiresAt          int64
		withdrawnAt                              sql.NullInt64
	)
	err := row.Scan(
		&m.MitigationID, &status, &victimIP, &vector, &m.CustomerID, &m.ServiceID, &m.POP,
		&dstPrefix, &protocol, &dstPorts, &dstPortsExcluded, &actionType, &rateBPS, &m.TTLSeconds,
		&createdAt, &updatedAt, &expiresAt, &withdrawnAt, &m.WithdrawnReason, &m.TriggeringEventID,
		&scopeHashHex, &m.CurrentStepIndex,
	)
	if err != nil {
		return mitigation.Mitigation{}, err
	}

	m.Status = mitigation.Status(status)
	m.Vector = mitigation.Vector(vector)
	m.ActionType = mitigation.ActionType(actionType)
	m.DstPortsExcluded = dstPortsExcluded != 0
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	m.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if m.VictimIP, err = netip.ParseAddr(victimIP); err != nil {
		return mitigation.Mitigation{}, err
	}
	if m.DstPrefix, err = netip.ParsePrefix(dstPrefix); err != nil {
		return mitigation.Mitigation{}, err
	}
	if protocol.Valid {
		p := uint8(protocol.Int64)
		m.Protocol = &p
	}
	if rateBPS.Valid {
		r := uint64(rateBPS.Int64)
		m.RateBPS = &r
	}
	if withdrawnAt.Valid {
		t := time.Unix(withdrawnAt.Int64, 0).UTC()
		m.WithdrawnAt = &t
	}
	if m.DstPorts, err = decodePorts(dstPorts); err != nil {
		return mitigation.Mitigation{}, err
	}
	if m.ScopeHash, err = decodeScopeHash(scopeHashHex); err != nil {
		return mitigation.Mitigation{}, err
	}
	return m, nil
}

func scanMitigations(rows *sql.Rows) ([]mitigation.Mitigation, error) {
	var out []mitigation.Mitigation
	for rows.Next() {
		m, err := scanMitigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
