// Package store owns the embedded sqlite database that tracks tokens,
// accounts and process settings. All access goes through sessions: read
// sessions run concurrently with everything (WAL journal), write
// sessions are exclusive among writers and acquired with a bounded
// retry. Nothing outside this package touches the database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/guestmail/guestmail/pkg/metrics"
	"github.com/guestmail/guestmail/pkg/retry"
)

// SchemaVersion is the version this build reads and writes. Version 1
// was the legacy layout that still persisted password hashes; it is
// upgraded only by the explicit Migrate call.
const SchemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	name TEXT PRIMARY KEY,
	secret TEXT NOT NULL UNIQUE,
	expiry TEXT NOT NULL,
	prefix TEXT NOT NULL DEFAULT '',
	maxuse INTEGER NOT NULL DEFAULT 50,
	usecount INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS accounts (
	addr TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	ttl INTEGER NOT NULL,
	token_name TEXT NOT NULL,
	warn_tier INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS config (
	name TEXT PRIMARY KEY,
	value TEXT
);
`

// Options configures how the store file is opened.
type Options struct {
	// LockRetry is the pause between write-lock attempts.
	LockRetry time.Duration
	// LockTimeout bounds the total wait for the write lock.
	LockTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{LockRetry: 100 * time.Millisecond, LockTimeout: 5 * time.Second}
	if o == nil {
		return opts
	}
	if o.LockRetry > 0 {
		opts.LockRetry = o.LockRetry
	}
	if o.LockTimeout > 0 {
		opts.LockTimeout = o.LockTimeout
	}
	return opts
}

// Store mediates all access to the persisted token/account/config tables.
type Store struct {
	path    string
	readDB  *sql.DB // concurrent read connections
	writeDB *sql.DB // single connection, serializes in-process writers
	opts    Options
}

// Open opens (and on a fresh file creates) the record store at path.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	// One connection: sqlite allows a single writer anyway and the
	// write session protocol depends on connection-scoped transactions.
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", path)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	s := &Store{path: path, readDB: readDB, writeDB: writeDB, opts: opts.withDefaults()}

	// WAL lets readers run while a write session is open. Busy handling
	// stays with the session retry loop, not the driver.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 0;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := writeDB.ExecContext(ctx, pragma); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", strings.TrimSpace(pragma), err)
		}
	}

	if err := s.ensureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var firstErr error
	if s.readDB != nil {
		firstErr = s.readDB.Close()
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Health verifies the store file is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.readDB.PingContext(ctx)
}

// ensureSchema creates the schema on a fresh file and verifies the
// stamped version on every open.
func (s *Store) ensureSchema(ctx context.Context) error {
	version, err := s.storedVersion(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		sess, err := s.Write(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		if _, err := sess.conn.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if err := sess.setConfigValue(ctx, "dbversion", fmt.Sprintf("%d", SchemaVersion)); err != nil {
			return err
		}
		return sess.Commit()
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: file has version %d, this build supports up to %d",
			ErrSchemaMismatch, version, SchemaVersion)
	}
	if version < SchemaVersion {
		return fmt.Errorf("%w: file has version %d, run \"guestmail-admin migrate\" to upgrade to %d",
			ErrSchemaMismatch, version, SchemaVersion)
	}
	return nil
}

// storedVersion reads the stamped schema version, 0 for a fresh file.
func (s *Store) storedVersion(ctx context.Context) (int, error) {
	var value string
	err := s.writeDB.QueryRowContext(ctx,
		`SELECT value FROM config WHERE name = 'dbversion'`).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return 0, fmt.Errorf("%w: unreadable version stamp %q", ErrSchemaMismatch, value)
	}
	return version, nil
}

// Read opens a read session. Read sessions never block writers and are
// safe to use concurrently with each other.
func (s *Store) Read(ctx context.Context) (*Session, error) {
	conn, err := s.readDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open read connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Write opens a write session holding the exclusive write lock. On
// contention the acquisition retries with a fixed pause up to the
// configured bound, then fails with ErrLockTimeout.
func (s *Store) Write(ctx context.Context) (*Session, error) {
	// The single write connection makes in-process writers queue inside
	// Conn before they ever reach BEGIN IMMEDIATE. The deadline bounds
	// that queue wait too, so a goroutine behind a held session fails
	// with ErrLockTimeout instead of blocking for as long as the session
	// stays open.
	acquireCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	conn, err := s.writeDB.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.StoreLockWaitsTotal.Inc()
			metrics.StoreLockTimeoutsTotal.Inc()
			return nil, fmt.Errorf("%w: waited %v for write connection", ErrLockTimeout, s.opts.LockTimeout)
		}
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	waited := false
	err = retry.Fixed(acquireCtx, s.opts.LockRetry, s.opts.LockTimeout, func() error {
		_, beginErr := conn.ExecContext(acquireCtx, "BEGIN IMMEDIATE")
		if beginErr == nil {
			return nil
		}
		if isBusy(beginErr) {
			// Another process is writing; give it a chance to finish.
			waited = true
			metrics.StoreLockWaitsTotal.Inc()
			return beginErr
		}
		return retry.Stop(beginErr)
	})
	if err != nil {
		conn.Close()
		if waited || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
			metrics.StoreLockTimeoutsTotal.Inc()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		return nil, fmt.Errorf("failed to begin write transaction: %w", err)
	}
	return &Session{conn: conn, write: true}, nil
}

// Migrate upgrades a version-1 file (legacy layout carrying password
// hash and home directory columns) to the current schema. It must be
// run explicitly, once, before normal operation resumes.
func Migrate(ctx context.Context, path string, opts *Options) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	var value string
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM config WHERE name = 'dbversion'`).Scan(&value); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	switch value {
	case "2":
		return nil // already current
	case "1":
	default:
		return fmt.Errorf("%w: cannot migrate from version %s", ErrSchemaMismatch, value)
	}

	stmts := []string{
		`CREATE TABLE accounts (
			addr TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			ttl INTEGER NOT NULL,
			token_name TEXT NOT NULL,
			warn_tier INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO accounts (addr, created_at, ttl, token_name)
			SELECT addr, date, ttl, token_name FROM users`,
		`DROP TABLE users`,
		`ALTER TABLE tokens RENAME COLUMN token TO secret`,
		`UPDATE config SET value = '2' WHERE name = 'dbversion'`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step failed: %w", err)
		}
	}
	return tx.Commit()
}

// isBusy reports whether err is sqlite's writer-contention error.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "database is locked")
}

// isConstraint reports whether err is a uniqueness/PK violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "constraint failed")
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
