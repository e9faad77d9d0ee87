package regulate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/pkg/logger"
	"github.com/cipherflows/regulator/symbols"
	"github.com/cipherflows/regulator/venue"
)

// Deduper cancels pending orders that duplicate the risk of a sibling
// order on the same instrument and direction. Runs on the Limit table
// after reconciliation, before trailing.
type Deduper struct {
	cfg      config.RegulationConfig
	venue    venue.Adapter
	ledger   *ledger.Store
	resolver *symbols.Resolver
	journal  journal.Journal
	cycle    int64
	now      func() time.Time
}

func NewDeduper(cfg config.RegulationConfig, v venue.Adapter, led *ledger.Store, res *symbols.Resolver, j journal.Journal, cycle int64) *Deduper {
	return &Deduper{
		cfg:      cfg,
		venue:    v,
		ledger:   led,
		resolver: res,
		journal:  j,
		cycle:    cycle,
		now:      time.Now,
	}
}

// DedupStats summarizes one deduplication pass.
type DedupStats struct {
	Cancelled int
	Skipped   int
	Errors    int
}

type groupKey struct {
	instrument string
	direction  market.Direction
}

// Run walks each (instrument, direction) group with more than one
// pending order and cancels the overlapping ones. The closest-to-fill
// order is always kept.
func (d *Deduper) Run(ctx context.Context) DedupStats {
	var stats DedupStats

	groups := make(map[groupKey][]ledger.Record)
	for _, rec := range d.ledger.Limit() {
		key := groupKey{rec.Instrument, rec.Direction}
		groups[key] = append(groups[key], rec)
	}

	for key, recs := range groups {
		if len(recs) < 2 {
			continue
		}
		d.dedupGroup(ctx, key, recs, &stats)
	}
	return stats
}

func (d *Deduper) dedupGroup(ctx context.Context, key groupKey, recs []ledger.Record, stats *DedupStats) {
	symbol, err := d.resolver.Resolve(key.instrument)
	if err != nil {
		logger.Errorf("%s: dedup %s: %v", d.ledger.Account(), key.instrument, err)
		d.recordFailure(0, key.instrument, err.Error())
		stats.Errors++
		return
	}

	// No fresh tick means the market is closed; cancel requests would
	// bounce, so the whole group waits for the next session.
	tick, err := d.venue.Tick(ctx, symbol)
	if err != nil || !tick.FreshWithin(d.cfg.TickFreshness.Std(), d.now()) {
		logger.Infof("%s: market closed for %s, skipping dedup", d.ledger.Account(), key.instrument)
		stats.Skipped++
		return
	}

	info, err := d.venue.SymbolInfo(ctx, symbol)
	if err != nil {
		logger.Errorf("%s: symbol info for %s: %v", d.ledger.Account(), symbol, err)
		d.recordFailure(0, key.instrument, fmt.Sprintf("symbol info: %v", err))
		stats.Errors++
		return
	}

	// Order by proximity to fill: buy limits sit below market so the
	// highest entry fills first, sell limits the reverse.
	sort.Slice(recs, func(i, j int) bool {
		if key.direction == market.Long {
			return recs[i].Entry > recs[j].Entry
		}
		return recs[i].Entry < recs[j].Entry
	})

	prev := recs[0]
	for _, cand := range recs[1:] {
		reason, overlap := d.overlaps(key.direction, prev, cand, info.MinStopDistance)
		if !overlap {
			prev = cand
			continue
		}
		if err := d.venue.CancelOrder(ctx, cand.Ticket); err != nil {
			logger.Errorf("%s: cancel duplicate order %d: %v", d.ledger.Account(), cand.Ticket, err)
			d.recordFailure(cand.Ticket, key.instrument, fmt.Sprintf("cancel duplicate: %v", err))
			stats.Errors++
			// The order is still live; it stays the comparison point
			// for the next candidate.
			prev = cand
			continue
		}
		delete(d.ledger.Limit(), cand.Ticket)
		stats.Cancelled++
		d.record(journal.Entry{
			Ticket:     cand.Ticket,
			Instrument: key.instrument,
			Kind:       journal.KindCancel,
			Detail:     reason,
		})
	}
}

// overlaps applies the two cancellation predicates: entry closer to
// the kept order than twice the minimum stop distance, or entry inside
// the kept order's protective risk zone.
func (d *Deduper) overlaps(dir market.Direction, prev, cand ledger.Record, minStop float64) (string, bool) {
	gap := prev.Entry - cand.Entry
	if gap < 0 {
		gap = -gap
	}
	if gap < 2*minStop {
		return fmt.Sprintf("entry %g within 2x min stop distance of order %d", cand.Entry, prev.Ticket), true
	}

	// The kept order's protective stop sits a break-even step into the
	// loss direction.
	be := d.cfg.BreakEvenPercent / 100
	prevStop := prev.Entry * (1 - dir.Sign()*be)
	if dir == market.Long && cand.Entry >= prevStop {
		return fmt.Sprintf("entry %g inside risk zone of order %d (stop %g)", cand.Entry, prev.Ticket, prevStop), true
	}
	if dir == market.Short && cand.Entry <= prevStop {
		return fmt.Sprintf("entry %g inside risk zone of order %d (stop %g)", cand.Entry, prev.Ticket, prevStop), true
	}
	return "", false
}

func (d *Deduper) record(e journal.Entry) {
	e.Cycle = d.cycle
	e.Account = d.ledger.Account()
	e.At = d.now()
	if err := d.journal.RecordEntry(e); err != nil {
		logger.Errorf("journal: %v", err)
	}
}

func (d *Deduper) recordFailure(ticket int64, instrument, detail string) {
	d.record(journal.Entry{
		Ticket:     ticket,
		Instrument: instrument,
		Kind:       journal.KindFailure,
		Detail:     detail,
	})
}
