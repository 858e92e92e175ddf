package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Session is a scoped view of the store. Read sessions only observe
// committed state; write sessions hold the exclusive write lock until
// Commit or Rollback. Close rolls back a write session that was never
// committed, so an error path can simply defer Close.
type Session struct {
	conn  *sql.Conn
	write bool
	done  bool
}

// Commit makes the session's mutations visible and releases the lock.
func (sess *Session) Commit() error {
	if !sess.write {
		return fmt.Errorf("commit on a read session")
	}
	if sess.done {
		return fmt.Errorf("session already finished")
	}
	sess.done = true
	if _, err := sess.conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		sess.conn.Close()
		sess.conn = nil
		return fmt.Errorf("commit failed: %w", err)
	}
	err := sess.conn.Close()
	sess.conn = nil
	return err
}

// Rollback discards the session's mutations and releases the lock.
func (sess *Session) Rollback() error {
	if !sess.write || sess.done {
		return sess.Close()
	}
	sess.done = true
	_, err := sess.conn.ExecContext(context.Background(), "ROLLBACK")
	closeErr := sess.conn.Close()
	sess.conn = nil
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return closeErr
}

// Close releases the session. An uncommitted write session is rolled back.
func (sess *Session) Close() error {
	if sess.conn == nil {
		return nil
	}
	if sess.write && !sess.done {
		return sess.Rollback()
	}
	conn := sess.conn
	sess.conn = nil
	return conn.Close()
}

// Settings are the process-wide configuration rows owned by the store.
// They are written once by InitSettings and read on every operation;
// components receive them by value and never mutate them in place.
type Settings struct {
	MailDomain      string
	WebEndpoint     string
	MailcowEndpoint string
	MailcowToken    string
}

var settingNames = []string{"mail_domain", "web_endpoint", "mailcow_endpoint", "mailcow_token"}

// InitSettings writes the settings rows. Requires a write session.
func (sess *Session) InitSettings(ctx context.Context, settings Settings) error {
	if !sess.write {
		return fmt.Errorf("settings can only be written in a write session")
	}
	if settings.MailDomain == "" {
		return fmt.Errorf("%w: mail domain is required", ErrInvalidInput)
	}
	values := map[string]string{
		"mail_domain":      settings.MailDomain,
		"web_endpoint":     settings.WebEndpoint,
		"mailcow_endpoint": settings.MailcowEndpoint,
		"mailcow_token":    settings.MailcowToken,
	}
	for _, name := range settingNames {
		if err := sess.setConfigValue(ctx, name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Settings reads the settings rows, failing with ErrNotInitialized when
// setup has never run against this store file.
func (sess *Session) Settings(ctx context.Context) (Settings, error) {
	rows, err := sess.conn.QueryContext(ctx, `SELECT name, value FROM config`)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	var settings Settings
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return Settings{}, fmt.Errorf("failed to scan setting: %w", err)
		}
		switch name {
		case "mail_domain":
			settings.MailDomain = value.String
		case "web_endpoint":
			settings.WebEndpoint = value.String
		case "mailcow_endpoint":
			settings.MailcowEndpoint = value.String
		case "mailcow_token":
			settings.MailcowToken = value.String
		}
	}
	if err := rows.Err(); err != nil {
		return Settings{}, err
	}
	if settings.MailDomain == "" {
		return Settings{}, ErrNotInitialized
	}
	return settings, nil
}

func (sess *Session) setConfigValue(ctx context.Context, name, value string) error {
	_, err := sess.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (name, value) VALUES (?, ?)`, name, value)
	if err != nil {
		return fmt.Errorf("failed to set config %q: %w", name, err)
	}
	return nil
}

// WithWrite runs fn inside a write session, committing on success and
// rolling back when fn returns an error or panics.
func (s *Store) WithWrite(ctx context.Context, fn func(*Session) error) error {
	sess, err := s.Write(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

// WithRead runs fn inside a read session.
func (s *Store) WithRead(ctx context.Context, fn func(*Session) error) error {
	sess, err := s.Read(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

// errNoRows reports sql.ErrNoRows, wrapped or not.
func errNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
