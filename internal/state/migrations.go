// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"fmt"

	"github.com/prefixd/prefixd/internal/errors"
)

// migration is one forward-only, idempotent schema step, tracked by name
// in schema_migrations so re-running Open is a no-op once applied.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "0001_initial",
		sql: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id          TEXT PRIMARY KEY,
	external_event_id TEXT NOT NULL,
	source            TEXT NOT NULL,
	victim_ip         TEXT NOT NULL,
	vector            TEXT NOT NULL,
	bps               INTEGER,
	pps               INTEGER,
	confidence        REAL,
	top_dst_ports     TEXT NOT NULL DEFAULT '[]',
	protocol          INTEGER,
	action            TEXT NOT NULL,
	raw_details       TEXT NOT NULL DEFAULT '{}',
	event_timestamp   INTEGER NOT NULL,
	ingested_at       INTEGER NOT NULL,
	UNIQUE(source, external_event_id)
);

CREATE TABLE IF NOT EXISTS mitigations (
	mitigation_id       TEXT PRIMARY KEY,
	status              TEXT NOT NULL,
	victim_ip           TEXT NOT NULL,
	vector              TEXT NOT NULL,
	customer_id         TEXT NOT NULL,
	service_id          TEXT NOT NULL DEFAULT '',
	pop                 TEXT NOT NULL,
	dst_prefix          TEXT NOT NULL,
	protocol            INTEGER,
	dst_ports           TEXT NOT NULL DEFAULT '[]',
	dst_ports_excluded  INTEGER NOT NULL DEFAULT 0,
	action_type         TEXT NOT NULL,
	rate_bps            INTEGER,
	ttl_seconds         INTEGER NOT NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	expires_at          INTEGER NOT NULL,
	withdrawn_at        INTEGER,
	withdrawn_reason    TEXT NOT NULL DEFAULT '',
	triggering_event_id TEXT NOT NULL,
	scope_hash          TEXT NOT NULL,
	current_step_index  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_mitigations_scope ON mitigations(pop, scope_hash);
CREATE INDEX IF NOT EXISTS idx_mitigations_active_customer ON mitigations(customer_id, status);
CREATE INDEX IF NOT EXISTS idx_mitigations_active_pop ON mitigations(pop, status);
CREATE INDEX IF NOT EXISTS idx_mitigations_expiry ON mitigations(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_mitigations_created ON mitigations(created_at);

CREATE TABLE IF NOT EXISTS safelist_entries (
	prefix     TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	audit_id    TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	actor_type  TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	target_id   TEXT NOT NULL DEFAULT '',
	details     TEXT NOT NULL DEFAULT '{}',
	ip_address  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`,
	},
}

// applyMigrations runs every migration not yet recorded in
// schema_migrations, in order, each inside its own transaction.
func (s *Store) applyMigrations() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return errors.Wrap(err, errors.KindStoreTransient, "state: create schema_migrations")
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied)
		if err != nil {
			return errors.Wrapf(err, errors.KindStoreTransient, "state: check migration %s", m.name)
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, errors.KindStoreTransient, "state: begin migration tx")
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindInternal, "state: apply migration %s", m.name)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, m.name, nowUnix()); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindStoreTransient, "state: record migration %s", m.name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, errors.KindStoreTransient, "state: commit migration %s", m.name)
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}

func wrapSQL(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.KindStoreTransient, fmt.Sprintf("state: %s", op))
}
