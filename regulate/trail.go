package regulate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/pkg/logger"
	"github.com/cipherflows/regulator/pkg/retry"
	"github.com/cipherflows/regulator/venue"
)

// Trailer walks the Running table and ratchets each position's
// stop-loss through the signal's risk-reward milestones.
type Trailer struct {
	cfg     config.RegulationConfig
	retry   retry.Policy
	venue   venue.Adapter
	ledger  *ledger.Store
	journal journal.Journal
	cycle   int64
	now     func() time.Time
}

func NewTrailer(cfg config.RegulationConfig, pol retry.Policy, v venue.Adapter, led *ledger.Store, j journal.Journal, cycle int64) *Trailer {
	return &Trailer{
		cfg:     cfg,
		retry:   pol,
		venue:   v,
		ledger:  led,
		journal: j,
		cycle:   cycle,
		now:     time.Now,
	}
}

// TrailStats summarizes one trailing pass. Waiting counts too-close
// deferrals, which are not failures.
type TrailStats struct {
	Adjusted int
	Waiting  int
	Failed   int
}

// Run evaluates every live position against its running record. Each
// position is an independent unit of work; one failure never stops the
// others.
func (t *Trailer) Run(ctx context.Context) (TrailStats, error) {
	var stats TrailStats

	positions, err := t.venue.Positions(ctx)
	if err != nil {
		return stats, fmt.Errorf("list positions: %w", err)
	}

	for _, p := range positions {
		rec, ok := t.ledger.Running()[p.Ticket]
		if !ok {
			logger.Debugf("%s: position %d has no running record, skipping", t.ledger.Account(), p.Ticket)
			continue
		}
		t.trailOne(ctx, p, rec, &stats)
	}
	return stats, nil
}

func (t *Trailer) trailOne(ctx context.Context, p venue.Position, rec ledger.Record, stats *TrailStats) {
	tf, err := market.ParseTimeframe(rec.Timeframe)
	if err != nil {
		t.fail(p, stats, fmt.Sprintf("bad timeframe: %v", err))
		return
	}

	info, err := t.venue.SymbolInfo(ctx, p.Instrument)
	if err != nil {
		t.fail(p, stats, fmt.Sprintf("symbol info: %v", err))
		return
	}
	tick, err := t.venue.Tick(ctx, p.Instrument)
	if err != nil {
		t.fail(p, stats, fmt.Sprintf("tick: %v", err))
		return
	}
	candle, err := t.venue.LastClosedCandle(ctx, p.Instrument, tf)
	if err != nil {
		t.fail(p, stats, fmt.Sprintf("candle: %v", err))
		return
	}

	newSL, reason, ok := t.candidate(p, rec, candle.Close, info.TickSize)
	if !ok {
		return
	}

	if !t.clearsMarket(rec.Instrument, p.Direction, newSL, tick, info) {
		stats.Waiting++
		logger.Infof("%s: stop %g for position %d waits on market distance", t.ledger.Account(), newSL, p.Ticket)
		t.record(journal.Entry{
			Ticket:     p.Ticket,
			Instrument: rec.Instrument,
			Kind:       journal.KindSLWait,
			Detail:     fmt.Sprintf("stop %g inside min distance of market", newSL),
		})
		return
	}

	t.submit(ctx, p, rec, newSL, reason, info, tick, stats)
}

// candidate computes the milestone ladder off the last closed candle,
// in the profit direction only, then applies the monotonic guard.
func (t *Trailer) candidate(p venue.Position, rec ledger.Record, close, tickSize float64) (float64, string, bool) {
	milestones := t.milestones(rec)
	long := p.Direction == market.Long

	// past reports whether the close has cleared a milestone in the
	// profit direction.
	past := func(level float64) bool {
		if long {
			return close > level
		}
		return close < level
	}

	var raw float64
	var reason string
	switch {
	case past(milestones.r2):
		raw, reason = milestones.r1, "close beyond 1:2 milestone"
	case past(milestones.r1):
		raw, reason = milestones.r05, "close beyond 1:1 milestone"
	case past(milestones.r05):
		raw, reason = milestones.r025, "close beyond 1:0.5 milestone"
	case past(rec.Entry):
		adj := t.cfg.SLAdjustPercent / 100
		raw = p.Entry * (1 + p.Direction.Sign()*adj)
		reason = "close beyond entry"
	default:
		return 0, "", false
	}

	newSL := roundToTick(raw, tickSize)

	// A stop only tightens. Zero means the position has no stop yet.
	if p.StopLoss != 0 {
		if long && newSL <= p.StopLoss {
			return 0, "", false
		}
		if !long && newSL >= p.StopLoss {
			return 0, "", false
		}
	}
	return newSL, reason, true
}

type milestoneSet struct {
	r025, r05, r1, r2 float64
}

// milestones reads the record's ratio prices. Records from signals
// that omit some ratio fields get those levels estimated off the entry
// at step multiples, the same geometry orphan synthesis uses. A zero
// milestone must never reach the ladder: past(0) is trivially true for
// longs and the ladder would select a zero stop.
func (t *Trailer) milestones(rec ledger.Record) milestoneSet {
	m := milestoneSet{r025: rec.R025, r05: rec.R05, r1: rec.R1, r2: rec.R2}
	step := t.cfg.RRStepPercent / 100
	estimate := func(mult float64) float64 {
		return rec.Entry * (1 + rec.Direction.Sign()*mult*step)
	}
	if m.r025 == 0 {
		m.r025 = estimate(1)
	}
	if m.r05 == 0 {
		m.r05 = estimate(2)
	}
	if m.r1 == 0 {
		m.r1 = estimate(4)
	}
	if m.r2 == 0 {
		m.r2 = estimate(8)
	}
	return m
}

// clearsMarket validates the candidate stop against the venue's
// minimum distance from the current market price. Volatile synthetic
// instruments get a widened buffer.
func (t *Trailer) clearsMarket(instrument string, dir market.Direction, newSL float64, tick market.Tick, info venue.SymbolInfo) bool {
	buffer := 1.0
	if t.cfg.Volatile(instrument) {
		buffer = t.cfg.VolatilityBuffer
	}
	minDist := info.MinStopDistance * buffer
	if dir == market.Long {
		return tick.Bid-newSL >= minDist
	}
	return newSL-tick.Ask >= minDist
}

func (t *Trailer) submit(ctx context.Context, p venue.Position, rec ledger.Record, newSL float64, reason string, info venue.SymbolInfo, tick market.Tick, stats *TrailStats) {
	err := t.retry.Do(ctx, func() error {
		return t.venue.ModifyStopLoss(ctx, p.Ticket, newSL)
	})

	if venue.IsTooClose(err) {
		// One widened retry: back the stop off the market by a full
		// minimum distance, but never past the current stop.
		widened := t.widen(p, newSL, info.MinStopDistance)
		if widened != 0 {
			if werr := t.venue.ModifyStopLoss(ctx, p.Ticket, widened); werr == nil {
				t.applied(p, rec, widened, reason+" (widened)", stats)
				return
			}
		}
		stats.Waiting++
		t.record(journal.Entry{
			Ticket:     p.Ticket,
			Instrument: rec.Instrument,
			Kind:       journal.KindSLWait,
			Detail:     fmt.Sprintf("venue rejected stop %g as too close", newSL),
		})
		return
	}
	if err != nil {
		t.fail(p, stats, fmt.Sprintf("modify stop to %g: %v", newSL, err))
		return
	}
	t.applied(p, rec, newSL, reason, stats)
}

// widen backs a rejected stop one minimum distance away from the
// market. Returns zero when the widened stop would loosen the current
// one.
func (t *Trailer) widen(p venue.Position, newSL, minStop float64) float64 {
	widened := newSL - p.Direction.Sign()*minStop
	if p.StopLoss == 0 {
		return widened
	}
	if p.Direction == market.Long && widened > p.StopLoss {
		return widened
	}
	if p.Direction == market.Short && widened < p.StopLoss {
		return widened
	}
	return 0
}

func (t *Trailer) applied(p venue.Position, rec ledger.Record, newSL float64, reason string, stats *TrailStats) {
	stats.Adjusted++
	logger.Infof("%s: position %d stop moved %g -> %g (%s)", t.ledger.Account(), p.Ticket, p.StopLoss, newSL, reason)
	adj := journal.Adjustment{
		Cycle:      t.cycle,
		Account:    t.ledger.Account(),
		Ticket:     p.Ticket,
		Instrument: rec.Instrument,
		OldStop:    p.StopLoss,
		NewStop:    newSL,
		Reason:     reason,
		At:         t.now(),
	}
	if err := t.journal.RecordAdjustment(adj); err != nil {
		logger.Errorf("journal: %v", err)
	}
}

func (t *Trailer) fail(p venue.Position, stats *TrailStats, detail string) {
	stats.Failed++
	logger.Errorf("%s: position %d: %s", t.ledger.Account(), p.Ticket, detail)
	t.record(journal.Entry{
		Ticket:     p.Ticket,
		Instrument: p.Instrument,
		Kind:       journal.KindFailure,
		Detail:     detail,
	})
}

func (t *Trailer) record(e journal.Entry) {
	e.Cycle = t.cycle
	e.Account = t.ledger.Account()
	e.At = t.now()
	if err := t.journal.RecordEntry(e); err != nil {
		logger.Errorf("journal: %v", err)
	}
}

func roundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}
