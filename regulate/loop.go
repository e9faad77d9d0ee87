package regulate

import (
	"context"
	"fmt"
	"time"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/directory"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/pkg/logger"
	"github.com/cipherflows/regulator/pkg/retry"
	"github.com/cipherflows/regulator/signal"
	"github.com/cipherflows/regulator/symbols"
	"github.com/cipherflows/regulator/venue"
)

// Dialer opens an authenticated venue session for one account. The
// session is a value scoped to that account's slice of the cycle,
// never shared across accounts.
type Dialer interface {
	Connect(ctx context.Context, acct directory.Account) (venue.Adapter, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, acct directory.Account) (venue.Adapter, error)

func (f DialerFunc) Connect(ctx context.Context, acct directory.Account) (venue.Adapter, error) {
	return f(ctx, acct)
}

// AccountSource lists the accounts to regulate each cycle.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]directory.Account, error)
}

// Loop drives the regulation cycle: per account, reconcile, then
// deduplicate, then trail, then persist, strictly in that order.
// Accounts are processed sequentially; each gets its own venue
// session.
type Loop struct {
	cfg      *config.Config
	accounts AccountSource
	dialer   Dialer
	signals  *signal.Store
	journal  journal.Journal

	cycle int64
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// Totals across all cycles since startup.
	totalAdjusted  int
	totalCancelled int
	totalFailed    int
}

func NewLoop(cfg *config.Config, accounts AccountSource, dialer Dialer, signals *signal.Store, j journal.Journal) *Loop {
	return &Loop{
		cfg:      cfg,
		accounts: accounts,
		dialer:   dialer,
		signals:  signals,
		journal:  j,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run regulates until ctx is cancelled. It is terminal only on a
// startup condition that nothing downstream can fix: no accounts to
// regulate or no signals loadable.
func (l *Loop) Run(ctx context.Context) error {
	accounts, err := l.fetchAccounts(ctx)
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no active accounts to regulate")
	}
	if l.signals.Len() == 0 {
		return fmt.Errorf("no signals loaded from %s", l.cfg.SignalsFile)
	}

	logger.Infof("regulating %d accounts every %s", len(accounts), l.cfg.CheckInterval.Std())

	for {
		l.cycle++
		l.runCycle(ctx, accounts)

		logger.Infof("cycle %d complete: totals adjusted=%d cancelled=%d failed=%d",
			l.cycle, l.totalAdjusted, l.totalCancelled, l.totalFailed)

		if err := l.sleep(ctx, l.cfg.CheckInterval.Std()); err != nil {
			return nil
		}

		// Account eligibility can change between cycles.
		if refreshed, err := l.accounts.ActiveAccounts(ctx); err == nil && len(refreshed) > 0 {
			accounts = refreshed
		}
	}
}

// RunOnce executes a single regulation cycle and returns. Used by the
// demo command.
func (l *Loop) RunOnce(ctx context.Context) error {
	accounts, err := l.fetchAccounts(ctx)
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no active accounts to regulate")
	}
	l.cycle++
	l.runCycle(ctx, accounts)
	return nil
}

func (l *Loop) fetchAccounts(ctx context.Context) ([]directory.Account, error) {
	pol := retry.Policy{
		MaxAttempts: l.cfg.Retry.MaxAttempts,
		Delay:       l.cfg.Retry.Delay.Std(),
	}
	var accounts []directory.Account
	err := pol.Do(ctx, func() error {
		var err error
		accounts, err = l.accounts.ActiveAccounts(ctx)
		return err
	})
	return accounts, err
}

// runCycle processes every account once. Cancellation is honored at
// account boundaries, never mid-reconciliation.
func (l *Loop) runCycle(ctx context.Context, accounts []directory.Account) {
	// Signals may have been appended externally since last cycle.
	if err := l.signals.Reload(); err != nil {
		logger.Warnf("reload signals: %v", err)
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		l.runAccount(ctx, acct)
	}
}

func (l *Loop) runAccount(ctx context.Context, acct directory.Account) {
	key := acct.Key()
	logger.WithFields(map[string]interface{}{"account": key, "cycle": l.cycle}).Info("regulating account")

	adapter, err := l.connect(ctx, acct)
	if err != nil {
		logger.Errorf("%s: connect: %v, skipping this cycle", key, err)
		l.recordFailure(key, fmt.Sprintf("connect: %v", err))
		return
	}

	led, err := ledger.Open(l.cfg.DataDir, key)
	if err != nil {
		logger.Errorf("%s: open ledgers: %v, skipping this cycle", key, err)
		l.recordFailure(key, fmt.Sprintf("open ledgers: %v", err))
		return
	}

	names, err := adapter.Symbols(ctx)
	if err != nil {
		logger.Errorf("%s: list symbols: %v, skipping this cycle", key, err)
		l.recordFailure(key, fmt.Sprintf("list symbols: %v", err))
		return
	}
	resolver := symbols.NewResolver(names)

	rstats, err := NewReconciler(l.cfg.Regulation, adapter, l.signals, led, l.journal, l.cycle).Run(ctx)
	if err != nil {
		logger.Errorf("%s: reconcile: %v, skipping this cycle", key, err)
		l.recordFailure(key, fmt.Sprintf("reconcile: %v", err))
		return
	}

	dstats := NewDeduper(l.cfg.Regulation, adapter, led, resolver, l.journal, l.cycle).Run(ctx)

	pol := retry.Policy{
		MaxAttempts: l.cfg.Retry.MaxAttempts,
		Delay:       l.cfg.Retry.Delay.Std(),
		Retryable:   venue.IsRetryable,
	}
	tstats, err := NewTrailer(l.cfg.Regulation, pol, adapter, led, l.journal, l.cycle).Run(ctx)
	if err != nil {
		logger.Errorf("%s: trail: %v", key, err)
		l.recordFailure(key, fmt.Sprintf("trail: %v", err))
	}

	// Dedup and trailing mutate the tables after reconciliation's
	// save; persist again so the next account starts from disk truth.
	if err := led.SaveAll(); err != nil {
		logger.Errorf("%s: persist ledgers: %v", key, err)
	}

	l.totalAdjusted += tstats.Adjusted
	l.totalCancelled += rstats.Cancelled + dstats.Cancelled
	l.totalFailed += rstats.Errors + dstats.Errors + tstats.Failed

	logger.Infof("%s: running=%d limit=%d closed=%d orphans=%d cancelled=%d adjusted=%d waiting=%d failed=%d",
		key, rstats.Running, rstats.Limit, rstats.Closed, rstats.Orphans,
		rstats.Cancelled+dstats.Cancelled, tstats.Adjusted, tstats.Waiting,
		rstats.Errors+dstats.Errors+tstats.Failed)
}

func (l *Loop) connect(ctx context.Context, acct directory.Account) (venue.Adapter, error) {
	pol := retry.Policy{
		MaxAttempts: l.cfg.Retry.MaxAttempts,
		Delay:       l.cfg.Retry.Delay.Std(),
	}
	var adapter venue.Adapter
	err := pol.Do(ctx, func() error {
		var err error
		adapter, err = l.dialer.Connect(ctx, acct)
		return err
	})
	return adapter, err
}

func (l *Loop) recordFailure(account, detail string) {
	err := l.journal.RecordEntry(journal.Entry{
		Cycle:   l.cycle,
		Account: account,
		Kind:    journal.KindFailure,
		Detail:  detail,
		At:      l.now(),
	})
	if err != nil {
		logger.Errorf("journal: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
