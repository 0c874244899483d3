// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state implements Component D: the durable, transactional
// mitigation store. It is the sole source of truth for mitigation rows,
// events, the safelist, and the audit log; the reconciliation loop and
// the announcer hold no state that isn't derived from it (spec §4.4,
// §9 "ownership and lifetime"). Grounded on the teacher's analytics
// store: modernc.org/sqlite opened in WAL mode with a busy timeout,
// prepared statements, and explicit transactions.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prefixd/prefixd/internal/errors"
	"github.com/prefixd/prefixd/internal/logging"
)

// Store wraps the SQLite connection pool backing the mitigation store.
type Store struct {
	db       *sql.DB
	logger   *logging.Logger
	safelist safelistCache
}

// Options configures Open.
type Options struct {
	DSN               string
	MaxOpenConns      int
	BusyTimeoutMillis int
	Logger            *logging.Logger
}

// DefaultOptions returns sane defaults for dsn, matching
// config.DefaultConfig's Store block.
func DefaultOptions(dsn string) Options {
	return Options{DSN: dsn, MaxOpenConns: 1, BusyTimeoutMillis: 5000, Logger: logging.Default()}
}

// Open opens (creating if necessary) the mitigation store and applies
// any pending migrations.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	busy := opts.BusyTimeoutMillis
	if busy <= 0 {
		busy = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", opts.DSN, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStoreTransient, "state: open sqlite")
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Store{db: db, logger: opts.Logger.WithComponent("state")}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadSafelistCache(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting the same
// helper methods run either standalone or inside a caller-managed
// transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a single serializable transaction spanning one ingest, per spec
// §4.4/§9 "Mitigation rows ... single-row locking inside each
// transaction". Callers obtain one via Store.WithTx.
type Tx struct {
	tx     *sql.Tx
	logger *logging.Logger
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on error or panic. This is the one-transaction-per-ingest
// boundary: guardrail quota reads, insert_mitigation, and append_audit
// all happen inside the same fn call.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, errors.KindStoreTransient, "state: begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx, logger: s.logger}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindStoreTransient, "state: commit transaction")
	}
	return nil
}

func nowUnix() int64 { return time.Now().UTC().Unix() }
