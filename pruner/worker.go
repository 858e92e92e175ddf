// Package pruner runs the periodic expiry job: removing accounts past
// their hard expiry, removing long-lived accounts that went idle, and
// delivering tiered expiry warnings.
package pruner

import (
	"context"
	"fmt"
	"time"

	"github.com/guestmail/guestmail/lifecycle"
	"github.com/guestmail/guestmail/logger"
	"github.com/guestmail/guestmail/pkg/metrics"
	"github.com/guestmail/guestmail/store"
)

// Engine defines the lifecycle operations required by the pruner.
// This allows for mocking in tests; *lifecycle.Manager implements it.
type Engine interface {
	ScanExpired(ctx context.Context, now int64) ([]store.Account, error)
	SoftExpired(ctx context.Context, now int64) ([]store.Account, error)
	ScanWarnings(ctx context.Context, now int64) ([]lifecycle.Warning, error)
	AdvanceWarnTier(ctx context.Context, addr string, tier int64) error
	DeleteAccount(ctx context.Context, addr, reason string) error
}

// Notifier delivers an expiry warning to the account holder. The tier
// only advances after Notify returns nil, so a failed delivery is
// retried on the next run.
type Notifier interface {
	Notify(ctx context.Context, addr, message string) error
}

// NopNotifier drops warnings. Used when no delivery channel is wired.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, addr, message string) error { return nil }

type Worker struct {
	engine   Engine
	notifier Notifier
	interval time.Duration
	stopCh   chan struct{}
	now      func() time.Time
}

// New creates a pruner worker. A nil notifier drops warnings.
func New(engine Engine, notifier Notifier, interval time.Duration) *Worker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Worker{
		engine:   engine,
		notifier: notifier,
		interval: interval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the worker goroutine. It runs until the context is
// done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	interval := w.interval

	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warnf("[PRUNE] configured interval %v is less than minimum allowed %v, using minimum", interval, minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Infof("[PRUNE] worker starting with interval %v", interval)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("[PRUNE] worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("[PRUNE] worker stopped due to stop signal")
				return
			case <-ticker.C:
				if err := w.RunOnce(ctx); err != nil {
					logger.Errorf("[PRUNE] run finished with errors: %v", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// RunOnce executes one scan. Each phase continues past individual
// account failures so one stuck account cannot wedge the whole run.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.now().Unix()
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	expired, err := w.engine.ScanExpired(ctx, now)
	if err != nil {
		logger.Errorf("[PRUNE] expiry scan failed: %v", err)
		keep(fmt.Errorf("expiry scan: %w", err))
	}
	for _, acct := range expired {
		if err := w.engine.DeleteAccount(ctx, acct.Addr, "expired"); err != nil {
			logger.Errorf("[PRUNE] failed to delete expired account %s: %v", acct.Addr, err)
			keep(err)
		}
	}
	if len(expired) > 0 {
		logger.Infof("[PRUNE] removed %d expired accounts", len(expired))
	}

	idle, err := w.engine.SoftExpired(ctx, now)
	if err != nil {
		logger.Errorf("[PRUNE] inactivity scan failed: %v", err)
		keep(fmt.Errorf("inactivity scan: %w", err))
	}
	for _, acct := range idle {
		if err := w.engine.DeleteAccount(ctx, acct.Addr, "inactive"); err != nil {
			logger.Errorf("[PRUNE] failed to delete idle account %s: %v", acct.Addr, err)
			keep(err)
		}
	}
	if len(idle) > 0 {
		logger.Infof("[PRUNE] removed %d idle accounts", len(idle))
	}

	warnings, err := w.engine.ScanWarnings(ctx, now)
	if err != nil {
		logger.Errorf("[PRUNE] warning scan failed: %v", err)
		keep(fmt.Errorf("warning scan: %w", err))
	}
	for _, warning := range warnings {
		if err := w.notifier.Notify(ctx, warning.Account.Addr, warning.Message); err != nil {
			logger.Warnf("[PRUNE] failed to warn %s: %v", warning.Account.Addr, err)
			keep(err)
			continue
		}
		if err := w.engine.AdvanceWarnTier(ctx, warning.Account.Addr, warning.Tier); err != nil {
			logger.Errorf("[PRUNE] failed to advance warn tier of %s: %v", warning.Account.Addr, err)
			keep(err)
		}
	}

	status := "ok"
	if firstErr != nil {
		status = "error"
	}
	metrics.PrunerRunsTotal.WithLabelValues(status).Inc()
	return firstErr
}
