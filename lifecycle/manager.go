// Package lifecycle implements the account engine: token issuance,
// the two-phase account creation protocol against the remote mailbox
// provider, expiry scanning and the tiered warning schedule.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guestmail/guestmail/logger"
	"github.com/guestmail/guestmail/mailcow"
	"github.com/guestmail/guestmail/pkg/metrics"
	"github.com/guestmail/guestmail/pkg/retry"
	"github.com/guestmail/guestmail/store"
)

// Remote is the mailbox provider surface the engine depends on.
// *mailcow.Client satisfies it; tests substitute a fake.
type Remote interface {
	Create(ctx context.Context, addr, password, tag string) error
	Delete(ctx context.Context, addr string) error
	Get(ctx context.Context, addr string) (mailcow.Mailbox, bool, error)
	List(ctx context.Context) ([]mailcow.Mailbox, error)
}

// Policy carries the lifecycle knobs that are deployment decisions
// rather than engine invariants.
type Policy struct {
	// SoftExpiryMinTTL is the TTL in seconds at or above which accounts
	// are also checked for inactivity.
	SoftExpiryMinTTL int64
	// SoftExpiryIdleFraction expires an account once it has been idle
	// for longer than this fraction of its TTL. Zero disables the check.
	SoftExpiryIdleFraction float64
	// CreateRetries bounds the collision retries when synthesizing a
	// random address.
	CreateRetries int
	// MailboxTag is attached to every mailbox created at the provider.
	MailboxTag string
}

// DefaultPolicy returns the policy used when no configuration is given.
func DefaultPolicy() Policy {
	return Policy{
		SoftExpiryMinTTL:       27 * 24 * 3600,
		SoftExpiryIdleFraction: 0.25,
		CreateRetries:          10,
		MailboxTag:             "guestmail",
	}
}

// Manager is the engine facade consumed by the web adapter, the admin
// CLI and the pruner. It is safe for concurrent use.
type Manager struct {
	store  *store.Store
	remote Remote
	policy Policy
	now    func() time.Time
}

// New creates a Manager over the given store and provider.
func New(st *store.Store, remote Remote, policy Policy) *Manager {
	if policy.CreateRetries < 1 {
		policy.CreateRetries = DefaultPolicy().CreateRetries
	}
	return &Manager{
		store:  st,
		remote: remote,
		policy: policy,
		now:    time.Now,
	}
}

const (
	// idAlphabet excludes ambiguous characters (0/o, 1/l/i, 6/b) so
	// addresses survive being read aloud or handwritten.
	idAlphabet = "2345789acdefghjkmnpqrstuvwxyz"

	addrIDLength   = 5
	secretIDLength = 15
)

// CreateToken adds a token. An empty secret is generated as
// "<expiry>_<random>", which lets the expiry be read off the secret.
func (m *Manager) CreateToken(ctx context.Context, name, secret, expiryCode, prefix string, maxUse int64) (store.Token, error) {
	if secret == "" {
		id, err := randomID(secretIDLength)
		if err != nil {
			return store.Token{}, err
		}
		secret = expiryCode + "_" + id
	}
	var tok store.Token
	err := m.store.WithWrite(ctx, func(sess *store.Session) error {
		var err error
		tok, err = sess.AddToken(ctx, name, secret, expiryCode, prefix, maxUse)
		return err
	})
	if err != nil {
		return store.Token{}, err
	}
	logger.Infof("token %q added, expiry %s, maxuse %d", tok.Name, tok.Expiry, tok.MaxUse)
	return tok, nil
}

// ModifyToken applies a partial update.
func (m *Manager) ModifyToken(ctx context.Context, name string, upd store.TokenUpdate) (store.Token, error) {
	var tok store.Token
	err := m.store.WithWrite(ctx, func(sess *store.Session) error {
		var err error
		tok, err = sess.ModifyToken(ctx, name, upd)
		return err
	})
	return tok, err
}

// DeleteToken removes a token. Accounts issued under it keep running.
func (m *Manager) DeleteToken(ctx context.Context, name string) error {
	return m.store.WithWrite(ctx, func(sess *store.Session) error {
		return sess.DeleteToken(ctx, name)
	})
}

// ListTokens returns all tokens ordered by name.
func (m *Manager) ListTokens(ctx context.Context) ([]store.Token, error) {
	var tokens []store.Token
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		tokens, err = sess.ListTokens(ctx)
		return err
	})
	return tokens, err
}

// TokenByName looks up a token by name.
func (m *Manager) TokenByName(ctx context.Context, name string) (store.Token, bool, error) {
	var tok store.Token
	var found bool
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		tok, found, err = sess.TokenByName(ctx, name)
		return err
	})
	return tok, found, err
}

// TokenBySecret looks up a token by its secret. The web adapter uses
// this to resolve the ?t= query parameter.
func (m *Manager) TokenBySecret(ctx context.Context, secret string) (store.Token, bool, error) {
	var tok store.Token
	var found bool
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		tok, found, err = sess.TokenBySecret(ctx, secret)
		return err
	})
	return tok, found, err
}

// Settings reads the store-owned settings rows.
func (m *Manager) Settings(ctx context.Context) (store.Settings, error) {
	var settings store.Settings
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		settings, err = sess.Settings(ctx)
		return err
	})
	return settings, err
}

// TokenWebURL returns the self-service creation URL for a token.
func TokenWebURL(settings store.Settings, tok store.Token) string {
	return settings.WebEndpoint + "?t=" + tok.Secret + "&n=" + tok.Name
}

// TokenQRData returns the payload encoded into setup QR codes.
func TokenQRData(settings store.Settings, tok store.Token) string {
	return "DCACCOUNT:" + TokenWebURL(settings, tok)
}

// CreatedAccount is the result of CreateAccount. Password is the
// plaintext credential, returned exactly once and never stored.
type CreatedAccount struct {
	Account  store.Account
	Password string
}

// CreateAccount issues an account under the named token. An empty addr
// synthesizes a random address from the token prefix; collisions are
// retried with a fresh address. An empty password is generated.
//
// The remote provider is consulted before any local write, so an
// address that already exists remotely never burns a use count. A
// remote creation failure rolls the local record back.
func (m *Manager) CreateAccount(ctx context.Context, tokenName, addr, password string) (CreatedAccount, error) {
	synthesized := addr == ""
	attempts := 1
	if synthesized {
		attempts = m.policy.CreateRetries
	}

	var created CreatedAccount
	err := retry.Attempts(attempts, func() error {
		out, err := m.createOnce(ctx, tokenName, addr, password, synthesized)
		if err != nil {
			if synthesized && addrTaken(err) {
				return err
			}
			return retry.Stop(err)
		}
		created = out
		return nil
	})
	if err != nil {
		metrics.AccountCreateFailuresTotal.WithLabelValues(failureCause(err)).Inc()
		return CreatedAccount{}, err
	}
	metrics.AccountsCreatedTotal.WithLabelValues(tokenName).Inc()
	logger.Infof("account %s created under token %q", created.Account.Addr, tokenName)
	return created, nil
}

func (m *Manager) createOnce(ctx context.Context, tokenName, requestedAddr, requestedPassword string, synthesized bool) (CreatedAccount, error) {
	sess, err := m.store.Write(ctx)
	if err != nil {
		return CreatedAccount{}, err
	}
	defer sess.Close()

	settings, err := sess.Settings(ctx)
	if err != nil {
		return CreatedAccount{}, err
	}
	tok, found, err := sess.TokenByName(ctx, tokenName)
	if err != nil {
		return CreatedAccount{}, err
	}
	if !found {
		return CreatedAccount{}, fmt.Errorf("%w: %q", store.ErrTokenNotFound, tokenName)
	}
	if err := sess.CheckNotExhausted(ctx, tokenName); err != nil {
		return CreatedAccount{}, err
	}
	ttl, err := tok.TTLSeconds()
	if err != nil {
		return CreatedAccount{}, err
	}

	addr := requestedAddr
	if synthesized {
		id, err := randomID(addrIDLength)
		if err != nil {
			return CreatedAccount{}, err
		}
		addr = tok.Prefix + id + "@" + settings.MailDomain
	} else if err := ValidateAddress(addr, settings.MailDomain); err != nil {
		return CreatedAccount{}, err
	}

	// The provider is the authority on address availability; checking
	// before the local insert keeps a taken address from burning a use.
	if _, exists, err := m.remote.Get(ctx, addr); err != nil {
		return CreatedAccount{}, err
	} else if exists {
		return CreatedAccount{}, fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}

	acct, err := sess.InsertAccount(ctx, addr, m.now().Unix(), ttl, tokenName)
	if err != nil {
		return CreatedAccount{}, err
	}

	password := requestedPassword
	if password == "" {
		password, err = randomPassword()
		if err != nil {
			return CreatedAccount{}, err
		}
	}

	if err := m.remote.Create(ctx, addr, password, m.policy.MailboxTag); err != nil {
		if errors.Is(err, mailcow.ErrMailboxExists) {
			return CreatedAccount{}, fmt.Errorf("%w: %s", ErrAccountExists, addr)
		}
		return CreatedAccount{}, err
	}
	if err := sess.Commit(); err != nil {
		// The mailbox exists but the record was lost; remove the
		// mailbox again so the two sides stay consistent.
		if delErr := m.remote.Delete(context.WithoutCancel(ctx), addr); delErr != nil {
			logger.Errorf("failed to undo mailbox %s after commit failure: %v", addr, delErr)
		}
		return CreatedAccount{}, err
	}
	return CreatedAccount{Account: acct, Password: password}, nil
}

// DeleteAccount removes an account at the provider and locally. The
// remote delete is idempotent, so a crash between the two steps is
// healed by running the deletion again.
func (m *Manager) DeleteAccount(ctx context.Context, addr, reason string) error {
	sess, err := m.store.Write(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, found, err := sess.AccountByAddr(ctx, addr)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q", store.ErrAccountNotFound, addr)
	}
	if err := m.remote.Delete(ctx, addr); err != nil {
		return err
	}
	if err := sess.DeleteAccount(ctx, addr); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	metrics.AccountsDeletedTotal.WithLabelValues(reason).Inc()
	logger.Infof("account %s deleted (%s)", addr, reason)
	return nil
}

// ScanExpired returns the accounts whose hard expiry lies before now.
func (m *Manager) ScanExpired(ctx context.Context, now int64) ([]store.Account, error) {
	var expired []store.Account
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		expired, err = sess.ExpiredAccounts(ctx, now)
		return err
	})
	return expired, err
}

// SoftExpired returns long-lived accounts that have been idle for more
// than the policy fraction of their TTL. An account that never logged
// in counts as idle since creation. Requires one List call against the
// provider; a provider failure fails the scan.
func (m *Manager) SoftExpired(ctx context.Context, now int64) ([]store.Account, error) {
	if m.policy.SoftExpiryIdleFraction <= 0 {
		return nil, nil
	}
	var accounts []store.Account
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		accounts, err = sess.ListAccounts(ctx, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	var candidates []store.Account
	for _, acct := range accounts {
		if acct.TTL >= m.policy.SoftExpiryMinTTL {
			candidates = append(candidates, acct)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	mailboxes, err := m.remote.List(ctx)
	if err != nil {
		return nil, err
	}
	lastLogin := make(map[string]int64, len(mailboxes))
	for _, mb := range mailboxes {
		lastLogin[mb.Address] = mb.LastLogin.Int64()
	}

	var idle []store.Account
	for _, acct := range candidates {
		login, ok := lastLogin[acct.Addr]
		if !ok {
			continue
		}
		idleSince := login
		if idleSince == 0 {
			idleSince = acct.CreatedAt
		}
		allowed := int64(float64(acct.TTL) * m.policy.SoftExpiryIdleFraction)
		if now-idleSince > allowed {
			idle = append(idle, acct)
		}
	}
	return idle, nil
}

// AccountEntry is a reconciled view of one account for listings.
type AccountEntry struct {
	store.Account
	// LastLogin is the provider's last IMAP login in epoch seconds,
	// zero when never logged in or the provider was unreachable.
	LastLogin int64
	// MissingRemote marks a local record whose mailbox is gone.
	MissingRemote bool
	// UnknownOrigin marks a mailbox on our domain with no local record.
	UnknownOrigin bool
}

// ListAccounts returns local accounts reconciled against the provider,
// optionally restricted to one token. When no token filter is given,
// mailboxes on our domain that have no local record are appended as
// unknown-origin entries. A provider failure degrades to the local
// view instead of failing the listing.
func (m *Manager) ListAccounts(ctx context.Context, tokenName string) ([]AccountEntry, error) {
	var accounts []store.Account
	var settings store.Settings
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		if settings, err = sess.Settings(ctx); err != nil {
			return err
		}
		accounts, err = sess.ListAccounts(ctx, tokenName)
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]AccountEntry, 0, len(accounts))
	mailboxes, err := m.remote.List(ctx)
	if err != nil {
		logger.Warnf("provider listing unavailable, returning local view: %v", err)
		for _, acct := range accounts {
			entries = append(entries, AccountEntry{Account: acct})
		}
		return entries, nil
	}

	remote := make(map[string]mailcow.Mailbox, len(mailboxes))
	for _, mb := range mailboxes {
		remote[mb.Address] = mb
	}
	local := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		local[acct.Addr] = true
		entry := AccountEntry{Account: acct}
		if mb, ok := remote[acct.Addr]; ok {
			entry.LastLogin = mb.LastLogin.Int64()
		} else {
			entry.MissingRemote = true
		}
		entries = append(entries, entry)
	}
	if tokenName == "" {
		for _, mb := range mailboxes {
			if local[mb.Address] || !strings.HasSuffix(mb.Address, "@"+settings.MailDomain) {
				continue
			}
			entries = append(entries, AccountEntry{
				Account:       store.Account{Addr: mb.Address},
				LastLogin:     mb.LastLogin.Int64(),
				UnknownOrigin: true,
			})
		}
	}
	return entries, nil
}

// ValidateAddress checks an explicitly requested address: it must be on
// the mail domain and use only unreserved local-part characters.
func ValidateAddress(addr, mailDomain string) error {
	suffix := "@" + mailDomain
	if !strings.HasSuffix(addr, suffix) {
		return fmt.Errorf("%w: %q is not on domain %q", ErrInvalidAddress, addr, mailDomain)
	}
	localPart := strings.TrimSuffix(addr, suffix)
	if localPart == "" {
		return fmt.Errorf("%w: empty local part in %q", ErrInvalidAddress, addr)
	}
	for _, r := range localPart {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Errorf("%w: %q contains forbidden character %q", ErrInvalidAddress, addr, r)
		}
	}
	return nil
}

// addrTaken reports the failures that a fresh random address can fix.
func addrTaken(err error) bool {
	return errors.Is(err, store.ErrDuplicateAccount) || errors.Is(err, ErrAccountExists)
}

func failureCause(err error) string {
	switch {
	case errors.Is(err, store.ErrTokenExhausted):
		return "token_exhausted"
	case errors.Is(err, store.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, ErrAccountExists), errors.Is(err, store.ErrDuplicateAccount):
		return "address_taken"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, mailcow.ErrRemoteTimeout):
		return "remote_timeout"
	case errors.Is(err, mailcow.ErrRemote):
		return "remote"
	case errors.Is(err, store.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "internal"
	}
}

// randomID returns n characters drawn from idAlphabet.
func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = idAlphabet[int(buf[i])%len(idAlphabet)]
	}
	return string(buf), nil
}

// randomPassword returns a 12 character base64 password.
func randomPassword() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
