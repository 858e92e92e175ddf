package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/guestmail/guestmail/logger"
	"github.com/guestmail/guestmail/pkg/metrics"
	"github.com/guestmail/guestmail/store"
)

const (
	day  = 24 * 3600
	week = 7 * day
	// month and year thresholds follow the civil approximations used
	// by the expiry codes.
	month = 30 * day
	year  = 365 * day
)

// Warning is a pending expiry notice for one account.
type Warning struct {
	Account store.Account
	Tier    int64
	Message string
}

// warnThresholds returns the seconds-before-expiry at which each tier
// fires, ordered from earliest notice to last call. Short-lived
// accounts get a single notice at a quarter of their TTL.
func warnThresholds(ttl int64) []int64 {
	switch {
	case ttl >= year:
		return []int64{month, week, day}
	case ttl >= month:
		return []int64{week, day}
	case ttl >= week:
		return []int64{day}
	default:
		return []int64{ttl / 4}
	}
}

// ScanWarnings returns at most one warning per account: the highest
// tier whose threshold the account has crossed, skipping tiers already
// recorded in warn_tier. The scan reads only, so recomputing it is
// idempotent; state advances via AdvanceWarnTier once a notice has
// actually been delivered.
func (m *Manager) ScanWarnings(ctx context.Context, now int64) ([]Warning, error) {
	var accounts []store.Account
	err := m.store.WithRead(ctx, func(sess *store.Session) error {
		var err error
		accounts, err = sess.ListAccounts(ctx, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	var warnings []Warning
	for _, acct := range accounts {
		expiresAt := acct.ExpiresAt()
		if expiresAt < now {
			continue
		}
		remaining := expiresAt - now
		thresholds := warnThresholds(acct.TTL)
		var tier int64
		for i := len(thresholds) - 1; i >= 0; i-- {
			if remaining <= thresholds[i] {
				tier = int64(i + 1)
				break
			}
		}
		if tier <= acct.WarnTier {
			continue
		}
		warnings = append(warnings, Warning{
			Account: acct,
			Tier:    tier,
			Message: warnMessage(acct, remaining, tier == int64(len(thresholds))),
		})
	}
	return warnings, nil
}

// AdvanceWarnTier records that tiers up to tier were delivered for the
// account, so later scans move on to the next tier.
func (m *Manager) AdvanceWarnTier(ctx context.Context, addr string, tier int64) error {
	err := m.store.WithWrite(ctx, func(sess *store.Session) error {
		return sess.SetWarnTier(ctx, addr, tier)
	})
	if err != nil {
		return err
	}
	metrics.WarningsIssuedTotal.WithLabelValues(strconv.FormatInt(tier, 10)).Inc()
	logger.Debugf("account %s advanced to warn tier %d", addr, tier)
	return nil
}

func warnMessage(acct store.Account, remaining int64, lastCall bool) string {
	left := (time.Duration(remaining) * time.Second).Truncate(time.Minute)
	if lastCall {
		return fmt.Sprintf("account %s will be removed in %s, save anything you want to keep", acct.Addr, left)
	}
	return fmt.Sprintf("account %s expires in %s", acct.Addr, left)
}
