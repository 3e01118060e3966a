// Package sqlstore implements store.Store on SQLite or PostgreSQL.
//
// On SQLite every write transaction begins IMMEDIATE on a single writer
// connection, so writers are serialized by the database itself and readers run
// on a separate pool against the WAL snapshot. On PostgreSQL each lock key is
// mapped to a transaction-scoped advisory lock taken in sorted order.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Dialect selects the SQL flavour.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ParseDialect maps a storage driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	}
	return 0, errors.Newf("sqlstore: unsupported driver %q", driver)
}

// Options configures Open.
type Options struct {
	Dialect Dialect
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN    string
	Logger *zap.SugaredLogger
}

// Store is a store.Store backed by database/sql.
type Store struct {
	db      *sql.DB // writes
	read    *sql.DB // snapshots; same pool as db on PostgreSQL
	dialect Dialect
	log     *zap.SugaredLogger
}

var _ store.Store = (*Store)(nil)

// Open connects to the database. Call Migrate before first use.
func Open(opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	switch opts.Dialect {
	case SQLite:
		if opts.Path == "" {
			return nil, errors.New("sqlstore: sqlite needs a path")
		}
		w, err := sql.Open("sqlite3", sqliteDSN(opts.Path, "immediate"))
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite writer")
		}
		w.SetMaxOpenConns(1)
		r, err := sql.Open("sqlite3", sqliteDSN(opts.Path, "deferred"))
		if err != nil {
			w.Close()
			return nil, errors.Wrap(err, "open sqlite reader")
		}
		log.Debugw("Opened sqlite store", "path", opts.Path)
		return &Store{db: w, read: r, dialect: SQLite, log: log}, nil
	case Postgres:
		db, err := sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		log.Debugw("Opened postgres store")
		return &Store{db: db, read: db, dialect: Postgres, log: log}, nil
	}
	return nil, errors.Newf("sqlstore: unknown dialect %d", opts.Dialect)
}

// New wraps an existing handle. Reads and writes share the pool.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, read: db, dialect: dialect, log: zap.NewNop().Sugar()}
}

func sqliteDSN(path, txlock string) string {
	q := url.Values{}
	q.Set("_txlock", txlock)
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "1")
	q.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + q.Encode()
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, lockKeys []string, fn func(context.Context, store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapErr(errors.Wrap(err, "begin"))
	}
	if s.dialect == Postgres {
		for _, k := range store.SortedKeys(lockKeys) {
			if _, err := sqlTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockID(k)); err != nil {
				sqlTx.Rollback()
				return s.mapErr(errors.Wrapf(err, "lock %s", k))
			}
		}
	}
	if err := fn(ctx, &tx{tx: sqlTx, dialect: s.dialect, writable: true}); err != nil {
		sqlTx.Rollback()
		return s.mapErr(err)
	}
	// Last statement, so the PostgreSQL row lock is held only until commit.
	if _, err := sqlTx.ExecContext(ctx, bumpVersion); err != nil {
		sqlTx.Rollback()
		return s.mapErr(errors.Wrap(err, "bump store version"))
	}
	if err := sqlTx.Commit(); err != nil {
		return s.mapErr(errors.Wrap(err, "commit"))
	}
	return nil
}

const bumpVersion = "UPDATE store_version SET version = version + 1 WHERE id = 1"

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(context.Context, store.View) error) error {
	opts := &sql.TxOptions{ReadOnly: true}
	if s.dialect == Postgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	sqlTx, err := s.read.BeginTx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "begin snapshot")
	}
	defer sqlTx.Rollback()
	return fn(ctx, &tx{tx: sqlTx, dialect: s.dialect})
}

// Close closes both pools.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.read != s.db {
		if rerr := s.read.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// lockID maps a lock key onto the advisory lock space.
func lockID(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// mapErr marks serialization failures and lock timeouts as store.ErrConflict.
func (s *Store) mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return errors.Mark(err, store.ErrConflict)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return errors.Mark(err, store.ErrConflict)
		}
	}
	return err
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func eventCursor(observedNanos int64, id string) string {
	return fmt.Sprintf("%d/%s", observedNanos, id)
}

func parseEventCursor(s string) (int64, string, error) {
	nanos, id, ok := strings.Cut(s, "/")
	if !ok {
		return 0, "", errors.Newf("invalid event cursor %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(err, "invalid event cursor %q", s)
	}
	return n, id, nil
}
