package store

import (
	"context"
	"fmt"

	"github.com/guestmail/guestmail/expiry"
)

// Account is an issued mailbox record. No credential material is ever
// stored; the plaintext password lives only with the remote provider.
type Account struct {
	Addr      string
	CreatedAt int64 // epoch seconds
	TTL       int64 // seconds, copied from the issuing token at creation
	TokenName string
	WarnTier  int64
}

// ExpiresAt returns the hard-expiry instant in epoch seconds.
func (a *Account) ExpiresAt() int64 {
	return expiry.SaturatingAdd(a.CreatedAt, a.TTL)
}

const selectAccountColumns = `SELECT addr, created_at, ttl, token_name, warn_tier FROM accounts `

// InsertAccount adds an account row and bumps the issuing token's use
// count in the same write session, after re-checking the ceiling, so a
// crash can never leave one mutation without the other.
func (sess *Session) InsertAccount(ctx context.Context, addr string, createdAt, ttl int64, tokenName string) (Account, error) {
	if err := sess.CheckNotExhausted(ctx, tokenName); err != nil {
		return Account{}, err
	}
	_, err := sess.conn.ExecContext(ctx,
		`INSERT INTO accounts (addr, created_at, ttl, token_name) VALUES (?, ?, ?, ?)`,
		addr, createdAt, ttl, tokenName)
	if err != nil {
		if isConstraint(err) {
			return Account{}, fmt.Errorf("%w: %q", ErrDuplicateAccount, addr)
		}
		return Account{}, fmt.Errorf("failed to add account %q: %w", addr, err)
	}
	if _, err := sess.conn.ExecContext(ctx,
		`UPDATE tokens SET usecount = usecount + 1 WHERE name = ?`, tokenName); err != nil {
		return Account{}, fmt.Errorf("failed to bump use count of token %q: %w", tokenName, err)
	}
	acct, _, err := sess.AccountByAddr(ctx, addr)
	return acct, err
}

// DeleteAccount removes an account row.
func (sess *Session) DeleteAccount(ctx context.Context, addr string) error {
	res, err := sess.conn.ExecContext(ctx, `DELETE FROM accounts WHERE addr = ?`, addr)
	if err != nil {
		return fmt.Errorf("failed to delete account %q: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, addr)
	}
	return nil
}

// AccountByAddr looks up an account by address.
func (sess *Session) AccountByAddr(ctx context.Context, addr string) (Account, bool, error) {
	var acct Account
	err := sess.conn.QueryRowContext(ctx, selectAccountColumns+`WHERE addr = ?`, addr).
		Scan(&acct.Addr, &acct.CreatedAt, &acct.TTL, &acct.TokenName, &acct.WarnTier)
	if err != nil {
		if errNoRows(err) {
			return Account{}, false, nil
		}
		return Account{}, false, fmt.Errorf("failed to look up account %q: %w", addr, err)
	}
	return acct, true, nil
}

// ListAccounts returns all accounts, optionally restricted to one
// token, ordered by address.
func (sess *Session) ListAccounts(ctx context.Context, tokenName string) ([]Account, error) {
	query := selectAccountColumns
	var args []any
	if tokenName != "" {
		query += `WHERE token_name = ? `
		args = append(args, tokenName)
	}
	query += `ORDER BY addr`
	return sess.scanAccounts(ctx, query, args...)
}

// ExpiredAccounts returns the accounts whose hard-expiry instant lies
// strictly before now. The comparison saturates, so "never" accounts
// are never returned.
func (sess *Session) ExpiredAccounts(ctx context.Context, now int64) ([]Account, error) {
	// created_at + ttl is computed in Go because sqlite integer
	// arithmetic would overflow on the "never" TTL.
	accounts, err := sess.scanAccounts(ctx, selectAccountColumns+`ORDER BY addr`)
	if err != nil {
		return nil, err
	}
	var expired []Account
	for _, acct := range accounts {
		if acct.ExpiresAt() < now {
			expired = append(expired, acct)
		}
	}
	return expired, nil
}

// SetWarnTier records that warning tiers up to tier have been issued.
func (sess *Session) SetWarnTier(ctx context.Context, addr string, tier int64) error {
	if tier < 0 {
		return fmt.Errorf("%w: warn tier must not be negative, got %d", ErrInvalidInput, tier)
	}
	res, err := sess.conn.ExecContext(ctx,
		`UPDATE accounts SET warn_tier = ? WHERE addr = ?`, tier, addr)
	if err != nil {
		return fmt.Errorf("failed to set warn tier of %q: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, addr)
	}
	return nil
}

func (sess *Session) scanAccounts(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := sess.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var acct Account
		if err := rows.Scan(&acct.Addr, &acct.CreatedAt, &acct.TTL, &acct.TokenName, &acct.WarnTier); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}
