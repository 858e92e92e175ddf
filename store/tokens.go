package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/guestmail/guestmail/expiry"
)

// Token is a named, rate-limited credential authorizing account creation.
type Token struct {
	Name     string
	Secret   string
	Expiry   string // duration code, kept verbatim
	Prefix   string
	MaxUse   int64
	UseCount int64
}

// TTLSeconds parses the token's expiry code.
func (t *Token) TTLSeconds() (int64, error) {
	return expiry.Parse(t.Expiry)
}

// forbiddenNameChars are rejected in token names: path separators,
// wildcard, query and fragment characters would leak into URLs and
// file paths built from the name.
const forbiddenNameChars = "/#?%*"

// ValidateTokenName checks a token name for forbidden characters.
func ValidateTokenName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: name %q must not start with '.'", ErrInvalidName, name)
	}
	if i := strings.IndexAny(name, forbiddenNameChars); i >= 0 {
		return fmt.Errorf("%w: name %q contains forbidden character %q", ErrInvalidName, name, name[i])
	}
	return nil
}

const selectTokenColumns = `SELECT name, secret, expiry, prefix, maxuse, usecount FROM tokens `

// AddToken inserts a new token. The expiry code must parse and both
// name and secret must be unique.
func (sess *Session) AddToken(ctx context.Context, name, secret, expiryCode, prefix string, maxUse int64) (Token, error) {
	if err := ValidateTokenName(name); err != nil {
		return Token{}, err
	}
	if secret == "" {
		return Token{}, fmt.Errorf("%w: secret must not be empty", ErrInvalidInput)
	}
	if maxUse < 0 {
		return Token{}, fmt.Errorf("%w: maxuse must not be negative, got %d", ErrInvalidInput, maxUse)
	}
	if _, err := expiry.Parse(expiryCode); err != nil {
		return Token{}, err
	}

	_, err := sess.conn.ExecContext(ctx,
		`INSERT INTO tokens (name, secret, expiry, prefix, maxuse) VALUES (?, ?, ?, ?, ?)`,
		name, secret, expiryCode, prefix, maxUse)
	if err != nil {
		if isConstraint(err) {
			return Token{}, fmt.Errorf("%w: name %q or its secret is already taken", ErrDuplicateToken, name)
		}
		return Token{}, fmt.Errorf("failed to add token %q: %w", name, err)
	}
	tok, _, err := sess.TokenByName(ctx, name)
	return tok, err
}

// TokenUpdate describes a partial token modification; nil fields keep
// their prior value.
type TokenUpdate struct {
	Expiry *string
	Prefix *string
	MaxUse *int64
}

// ModifyToken applies a partial update and returns the updated token.
func (sess *Session) ModifyToken(ctx context.Context, name string, upd TokenUpdate) (Token, error) {
	tok, found, err := sess.TokenByName(ctx, name)
	if err != nil {
		return Token{}, err
	}
	if !found {
		return Token{}, fmt.Errorf("%w: %q", ErrTokenNotFound, name)
	}
	if upd.Expiry != nil {
		if _, err := expiry.Parse(*upd.Expiry); err != nil {
			return Token{}, err
		}
		tok.Expiry = *upd.Expiry
	}
	if upd.Prefix != nil {
		tok.Prefix = *upd.Prefix
	}
	if upd.MaxUse != nil {
		if *upd.MaxUse < 0 {
			return Token{}, fmt.Errorf("%w: maxuse must not be negative, got %d", ErrInvalidInput, *upd.MaxUse)
		}
		tok.MaxUse = *upd.MaxUse
	}
	_, err = sess.conn.ExecContext(ctx,
		`UPDATE tokens SET expiry = ?, prefix = ?, maxuse = ? WHERE name = ?`,
		tok.Expiry, tok.Prefix, tok.MaxUse, name)
	if err != nil {
		return Token{}, fmt.Errorf("failed to modify token %q: %w", name, err)
	}
	return tok, nil
}

// DeleteToken removes a token. Accounts created under it stay valid;
// their token_name simply no longer resolves.
func (sess *Session) DeleteToken(ctx context.Context, name string) error {
	res, err := sess.conn.ExecContext(ctx, `DELETE FROM tokens WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete token %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrTokenNotFound, name)
	}
	return nil
}

// TokenByName looks up a token by its name.
func (sess *Session) TokenByName(ctx context.Context, name string) (Token, bool, error) {
	return sess.scanToken(ctx, selectTokenColumns+`WHERE name = ?`, name)
}

// TokenBySecret looks up a token by its secret.
func (sess *Session) TokenBySecret(ctx context.Context, secret string) (Token, bool, error) {
	return sess.scanToken(ctx, selectTokenColumns+`WHERE secret = ?`, secret)
}

// TokenByAddress resolves the token whose prefix matches the local part
// of addr on the given mail domain. When several prefixes match, the
// longest prefix wins; among equally long prefixes the lexicographically
// smallest token name wins. The tie-break is deliberate so the result
// does not depend on storage order.
func (sess *Session) TokenByAddress(ctx context.Context, addr, mailDomain string) (Token, bool, error) {
	if !strings.HasSuffix(addr, "@"+mailDomain) {
		return Token{}, false, fmt.Errorf("%w: address %q is not on domain %q", ErrInvalidInput, addr, mailDomain)
	}
	localPart := strings.TrimSuffix(addr, "@"+mailDomain)

	tokens, err := sess.ListTokens(ctx)
	if err != nil {
		return Token{}, false, err
	}
	var matches []Token
	for _, tok := range tokens {
		if strings.HasPrefix(localPart, tok.Prefix) {
			matches = append(matches, tok)
		}
	}
	if len(matches) == 0 {
		return Token{}, false, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i].Prefix) != len(matches[j].Prefix) {
			return len(matches[i].Prefix) > len(matches[j].Prefix)
		}
		return matches[i].Name < matches[j].Name
	})
	return matches[0], true, nil
}

// CheckNotExhausted fails with ErrTokenExhausted once the token's use
// count has reached its ceiling. The count is never clamped.
func (sess *Session) CheckNotExhausted(ctx context.Context, name string) error {
	tok, found, err := sess.TokenByName(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrTokenNotFound, name)
	}
	if tok.UseCount >= tok.MaxUse {
		return fmt.Errorf("%w: %q was used %d of %d times", ErrTokenExhausted, name, tok.UseCount, tok.MaxUse)
	}
	return nil
}

// ListTokens returns all tokens ordered by name.
func (sess *Session) ListTokens(ctx context.Context) ([]Token, error) {
	rows, err := sess.conn.QueryContext(ctx, selectTokenColumns+`ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var tok Token
		if err := rows.Scan(&tok.Name, &tok.Secret, &tok.Expiry, &tok.Prefix, &tok.MaxUse, &tok.UseCount); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func (sess *Session) scanToken(ctx context.Context, query string, args ...any) (Token, bool, error) {
	var tok Token
	err := sess.conn.QueryRowContext(ctx, query, args...).
		Scan(&tok.Name, &tok.Secret, &tok.Expiry, &tok.Prefix, &tok.MaxUse, &tok.UseCount)
	if err != nil {
		if errNoRows(err) {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("failed to look up token: %w", err)
	}
	return tok, true, nil
}
