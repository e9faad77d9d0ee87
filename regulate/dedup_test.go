package regulate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/signal"
	"github.com/cipherflows/regulator/symbols"
	"github.com/cipherflows/regulator/venue"
)

func (e *env) deduper(venueSymbols ...string) *Deduper {
	d := NewDeduper(e.cfg, e.venue, e.ledger, symbols.NewResolver(venueSymbols), journal.Nop{}, 1)
	d.now = func() time.Time { return testNow }
	return d
}

// addLimit seeds a pending order on both sides: the Limit ledger entry
// and the live venue order a cancellation is issued against.
func (e *env) addLimit(ticket int64, instrument string, dir market.Direction, entry float64) {
	e.ledger.Limit()[ticket] = ledger.Record{
		Signal: signal.Signal{Instrument: instrument, Direction: dir, Entry: entry, Timeframe: "1hour"},
		Ticket: ticket,
	}
	e.venue.AddOrder(venue.PendingOrder{
		Ticket:     ticket,
		Instrument: strings.ToUpper(instrument),
		Direction:  dir,
		Entry:      entry,
		SetupTime:  testNow.Add(-time.Hour),
	})
}

func simInfo(symbol string, minStop float64) venue.SymbolInfo {
	return venue.SymbolInfo{
		Name:            symbol,
		MinStopDistance: minStop,
		TickSize:        0.01,
		Tradeable:       true,
	}
}

func TestDedupCancelsTooCloseOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.addLimit(1, "eurusd", market.Short, 100.0)
	e.addLimit(2, "eurusd", market.Short, 100.002)

	e.venue.SetTick("EURUSD", market.Tick{Bid: 99.0, Ask: 99.01, Time: testNow.Add(-time.Minute)})
	e.venue.SetSymbolInfo(simInfo("EURUSD", 0.01))

	stats := e.deduper("EURUSD").Run(context.Background())

	assert.Equal(t, 1, stats.Cancelled)
	assert.Contains(t, e.venue.Cancelled, int64(2))
	// The closest-to-market short (lowest entry) survives.
	assert.Contains(t, e.ledger.Limit(), int64(1))
	assert.NotContains(t, e.ledger.Limit(), int64(2))
}

func TestDedupCancelsRiskZoneOverlap(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	// Buy limits: highest entry fills first. The kept order's
	// protective stop sits 0.10% below its entry at 109.89.
	e.addLimit(1, "eurusd", market.Long, 110.0)
	e.addLimit(2, "eurusd", market.Long, 109.95) // inside risk zone
	e.addLimit(3, "eurusd", market.Long, 109.50) // clear of it

	e.venue.SetTick("EURUSD", market.Tick{Bid: 111.0, Ask: 111.01, Time: testNow.Add(-time.Minute)})
	e.venue.SetSymbolInfo(simInfo("EURUSD", 0.01))

	stats := e.deduper("EURUSD").Run(context.Background())

	assert.Equal(t, 1, stats.Cancelled)
	assert.Contains(t, e.venue.Cancelled, int64(2))
	assert.Contains(t, e.ledger.Limit(), int64(1))
	assert.Contains(t, e.ledger.Limit(), int64(3))
}

func TestDedupSkipsClosedMarket(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.addLimit(1, "eurusd", market.Short, 100.0)
	e.addLimit(2, "eurusd", market.Short, 100.002)

	// Last tick is an hour old; the market is judged closed.
	e.venue.SetTick("EURUSD", market.Tick{Bid: 99.0, Ask: 99.01, Time: testNow.Add(-time.Hour)})
	e.venue.SetSymbolInfo(simInfo("EURUSD", 0.01))

	stats := e.deduper("EURUSD").Run(context.Background())

	assert.Equal(t, 0, stats.Cancelled)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, e.venue.Cancelled)
	assert.Len(t, e.ledger.Limit(), 2)
}

func TestDedupIgnoresSingletonsAndMixedDirections(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.addLimit(1, "eurusd", market.Long, 110.0)
	e.addLimit(2, "eurusd", market.Short, 110.1)
	e.addLimit(3, "gbpusd", market.Long, 1.27)

	e.venue.SetTick("EURUSD", market.Tick{Bid: 111.0, Ask: 111.01, Time: testNow.Add(-time.Minute)})
	e.venue.SetSymbolInfo(simInfo("EURUSD", 0.01))

	stats := e.deduper("EURUSD", "GBPUSD").Run(context.Background())

	assert.Equal(t, 0, stats.Cancelled)
	assert.Len(t, e.ledger.Limit(), 3)
}

func TestDedupUnresolvedSymbolIsError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.addLimit(1, "volatility75", market.Short, 5000.0)
	e.addLimit(2, "volatility75", market.Short, 5000.5)

	// The venue does not list the instrument at all; the group is
	// skipped with an error, never guessed at.
	stats := e.deduper("EURUSD").Run(context.Background())

	assert.Equal(t, 1, stats.Errors)
	assert.Empty(t, e.venue.Cancelled)
	assert.Len(t, e.ledger.Limit(), 2)
}

func TestDedupAlwaysKeepsClosestToMarket(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	entries := []float64{100.0, 100.001, 100.002, 100.003}
	for i, entry := range entries {
		e.addLimit(int64(i+1), "eurusd", market.Short, entry)
	}

	e.venue.SetTick("EURUSD", market.Tick{Bid: 99.0, Ask: 99.01, Time: testNow.Add(-time.Minute)})
	e.venue.SetSymbolInfo(simInfo("EURUSD", 0.01))

	stats := e.deduper("EURUSD").Run(context.Background())

	assert.Equal(t, 3, stats.Cancelled)
	require.Contains(t, e.ledger.Limit(), int64(1))
	assert.Len(t, e.ledger.Limit(), 1)
}
