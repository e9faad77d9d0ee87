// Package regulate holds the three engines of the regulation cycle:
// reconciliation, pending-order deduplication and stop-loss trailing,
// plus the loop that drives them account by account.
package regulate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/pkg/logger"
	"github.com/cipherflows/regulator/signal"
	"github.com/cipherflows/regulator/venue"
)

// Reconciler diffs venue reality against the account's ledgers and the
// shared signal store.
type Reconciler struct {
	cfg     config.RegulationConfig
	venue   venue.Adapter
	signals *signal.Store
	ledger  *ledger.Store
	journal journal.Journal
	cycle   int64
	now     func() time.Time
}

func NewReconciler(cfg config.RegulationConfig, v venue.Adapter, sig *signal.Store, led *ledger.Store, j journal.Journal, cycle int64) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		venue:   v,
		signals: sig,
		ledger:  led,
		journal: j,
		cycle:   cycle,
		now:     time.Now,
	}
}

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Running   int
	Limit     int
	Closed    int
	Cancelled int
	Orphans   int
	Errors    int
}

// Run executes one reconciliation pass. Per-ticket failures are
// recorded and skipped; only a failure to read venue state aborts.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	positions, err := r.venue.Positions(ctx)
	if err != nil {
		return stats, fmt.Errorf("list positions: %w", err)
	}
	orders, err := r.venue.PendingOrders(ctx)
	if err != nil {
		return stats, fmt.Errorf("list pending orders: %w", err)
	}

	r.filterExclusivity()
	cancelled := r.dropStaleLimits(ctx, orders, &stats)
	stats.Cancelled += len(cancelled)
	if len(cancelled) > 0 {
		kept := orders[:0]
		for _, o := range orders {
			if !cancelled[o.Ticket] {
				kept = append(kept, o)
			}
		}
		orders = kept
	}

	r.absorbPositions(positions, &stats)
	r.absorbOrders(orders, &stats)
	r.closeVanished(ctx, positions, &stats)
	r.dropVanishedLimits(orders)

	if err := r.ledger.SaveAll(); err != nil {
		return stats, fmt.Errorf("persist ledgers: %w", err)
	}
	if err := r.signals.Save(); err != nil {
		return stats, fmt.Errorf("persist signals: %w", err)
	}

	stats.Running = len(r.ledger.Running())
	stats.Limit = len(r.ledger.Limit())
	stats.Closed = len(r.ledger.Closed())
	return stats, nil
}

// filterExclusivity removes from Limit any ticket already present in
// Running or Closed. A ticket lives in exactly one table.
func (r *Reconciler) filterExclusivity() {
	for ticket := range r.ledger.Limit() {
		_, running := r.ledger.Running()[ticket]
		_, closed := r.ledger.Closed()[ticket]
		if running || closed {
			logger.Warnf("%s: ticket %d in limit and running/closed, dropping limit entry", r.ledger.Account(), ticket)
			delete(r.ledger.Limit(), ticket)
		}
	}
}

// dropStaleLimits cancels live pending orders whose details match a
// historical trade under a different ticket. The venue reissues a new
// ticket when it re-books an order after a fill; the reissued order
// duplicates risk already taken.
func (r *Reconciler) dropStaleLimits(ctx context.Context, orders []venue.PendingOrder, stats *ReconcileStats) map[int64]bool {
	live := make(map[int64]venue.PendingOrder, len(orders))
	for _, o := range orders {
		live[o.Ticket] = o
	}

	cancelled := make(map[int64]bool)
	for ticket, rec := range r.ledger.Limit() {
		if _, ok := live[ticket]; !ok {
			continue
		}
		if !r.matchesHistory(rec) {
			continue
		}
		if err := r.venue.CancelOrder(ctx, ticket); err != nil {
			logger.Errorf("%s: cancel stale order %d: %v", r.ledger.Account(), ticket, err)
			r.recordFailure(ticket, rec.Instrument, fmt.Sprintf("cancel stale order: %v", err))
			stats.Errors++
			continue
		}
		delete(r.ledger.Limit(), ticket)
		cancelled[ticket] = true
		r.record(journal.Entry{
			Ticket:     ticket,
			Instrument: rec.Instrument,
			Kind:       journal.KindCancel,
			Detail:     "pending order duplicates a historical trade",
		})
	}
	return cancelled
}

// matchesHistory reports whether a limit record's details coincide with
// a Running or Closed record under a different ticket.
func (r *Reconciler) matchesHistory(rec ledger.Record) bool {
	tol := r.cfg.ToleranceFor(rec.Instrument)
	for _, table := range []ledger.Table{r.ledger.Running(), r.ledger.Closed()} {
		for ticket, hist := range table {
			if ticket == rec.Ticket {
				continue
			}
			if hist.Signal.Matches(rec.Instrument, rec.Direction, rec.Entry, tol) {
				return true
			}
		}
	}
	return false
}

// absorbPositions brings every live position into Running: a filled
// limit order is promoted, a matched signal is consumed, anything else
// becomes an orphan record.
func (r *Reconciler) absorbPositions(positions []venue.Position, stats *ReconcileStats) {
	for _, p := range positions {
		if _, ok := r.ledger.Running()[p.Ticket]; ok {
			continue
		}
		if _, ok := r.ledger.Limit()[p.Ticket]; ok {
			r.ledger.Promote(p.Ticket, p.OpenTime)
			logger.Infof("%s: limit order %d filled, promoted to running", r.ledger.Account(), p.Ticket)
			continue
		}

		instrument := strings.ToLower(p.Instrument)
		tol := r.cfg.ToleranceFor(instrument)
		if sig, ok := r.signals.Match(instrument, p.Direction, p.Entry, tol); ok {
			r.signals.Consume(sig)
			r.ledger.Running()[p.Ticket] = ledger.Record{
				Signal:   sig,
				Ticket:   p.Ticket,
				OpenTime: p.OpenTime,
			}
			logger.Infof("%s: matched signal for %s to position %d", r.ledger.Account(), instrument, p.Ticket)
			continue
		}

		orphan := r.synthesize(instrument, p.Direction, p.Entry)
		r.signals.Append(orphan)
		r.ledger.Running()[p.Ticket] = ledger.Record{
			Signal:   orphan,
			Ticket:   p.Ticket,
			OpenTime: p.OpenTime,
		}
		stats.Orphans++
		r.record(journal.Entry{
			Ticket:     p.Ticket,
			Instrument: instrument,
			Kind:       journal.KindOrphan,
			Detail:     fmt.Sprintf("position with no matching signal, entry %g", p.Entry),
		})
	}
}

// absorbOrders mirrors absorbPositions for the Limit table. Unfilled
// orders are never aged out here; expiry is the venue's business, and
// dropVanishedLimits picks up the ticket once it disappears.
func (r *Reconciler) absorbOrders(orders []venue.PendingOrder, stats *ReconcileStats) {
	for _, o := range orders {
		if _, ok := r.ledger.Limit()[o.Ticket]; ok {
			continue
		}

		instrument := strings.ToLower(o.Instrument)
		tol := r.cfg.ToleranceFor(instrument)
		if sig, ok := r.signals.Match(instrument, o.Direction, o.Entry, tol); ok {
			r.signals.Consume(sig)
			r.ledger.Limit()[o.Ticket] = ledger.Record{Signal: sig, Ticket: o.Ticket}
			logger.Infof("%s: matched signal for %s to order %d", r.ledger.Account(), instrument, o.Ticket)
			continue
		}

		orphan := r.synthesize(instrument, o.Direction, o.Entry)
		r.signals.Append(orphan)
		r.ledger.Limit()[o.Ticket] = ledger.Record{Signal: orphan, Ticket: o.Ticket}
		stats.Orphans++
		r.record(journal.Entry{
			Ticket:     o.Ticket,
			Instrument: instrument,
			Kind:       journal.KindOrphan,
			Detail:     fmt.Sprintf("pending order with no matching signal, entry %g", o.Entry),
		})
	}
}

// closeVanished confirms through trade history that a missing running
// ticket actually closed before moving it to Closed. A ticket the
// history cannot confirm stays in Running as a transient desync.
func (r *Reconciler) closeVanished(ctx context.Context, positions []venue.Position, stats *ReconcileStats) {
	live := make(map[int64]bool, len(positions))
	for _, p := range positions {
		live[p.Ticket] = true
	}

	since := r.now().Add(-r.cfg.HistoryLookback.Std())
	for ticket, rec := range r.ledger.Running() {
		if live[ticket] {
			continue
		}
		deals, err := r.venue.History(ctx, ticket, since)
		if err != nil {
			logger.Errorf("%s: history for ticket %d: %v", r.ledger.Account(), ticket, err)
			stats.Errors++
			continue
		}
		exited := false
		for _, d := range deals {
			if d.Exit {
				exited = true
				break
			}
		}
		if !exited {
			continue
		}
		r.ledger.Close(ticket, r.now())
		r.record(journal.Entry{
			Ticket:     ticket,
			Instrument: rec.Instrument,
			Kind:       journal.KindClose,
			Detail:     "exit confirmed in trade history",
		})
	}
}

// dropVanishedLimits removes limit records whose order the venue no
// longer lists. The order filled (handled by promotion) or was
// cancelled externally; either way the entry is gone.
func (r *Reconciler) dropVanishedLimits(orders []venue.PendingOrder) {
	live := make(map[int64]bool, len(orders))
	for _, o := range orders {
		live[o.Ticket] = true
	}
	for ticket := range r.ledger.Limit() {
		if !live[ticket] {
			logger.Infof("%s: limit order %d no longer on venue, dropping", r.ledger.Account(), ticket)
			delete(r.ledger.Limit(), ticket)
		}
	}
}

// synthesize estimates a signal for an orphan ticket. The milestone
// prices step away from entry in fixed percent increments, doubling
// per milestone.
func (r *Reconciler) synthesize(instrument string, dir market.Direction, entry float64) signal.Signal {
	step := r.cfg.RRStepPercent / 100
	sign := dir.Sign()
	return signal.Signal{
		Instrument: instrument,
		Direction:  dir,
		Entry:      entry,
		R025:       entry * (1 + sign*step),
		R05:        entry * (1 + sign*2*step),
		R1:         entry * (1 + sign*4*step),
		R2:         entry * (1 + sign*8*step),
		Timeframe:  "1hour",
	}
}

func (r *Reconciler) record(e journal.Entry) {
	e.Cycle = r.cycle
	e.Account = r.ledger.Account()
	e.At = r.now()
	if err := r.journal.RecordEntry(e); err != nil {
		logger.Errorf("journal: %v", err)
	}
}

func (r *Reconciler) recordFailure(ticket int64, instrument, detail string) {
	r.record(journal.Entry{
		Ticket:     ticket,
		Instrument: strings.ToLower(instrument),
		Kind:       journal.KindFailure,
		Detail:     detail,
	})
}
