package regulate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/signal"
	"github.com/cipherflows/regulator/venue"
	"github.com/cipherflows/regulator/venue/sim"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

const eurusdSignals = `{
    "orders": [
        {
            "pair": "eurusd", "order_type": "buy_limit", "entry_price": "1.085",
            "ratio_0_25_price": "1.0877", "ratio_0_5_price": "1.0904",
            "ratio_1_price": "1.0958", "ratio_2_price": "1.1066",
            "timeframe": "1hour", "lot_size": "0.1"
        },
        {
            "pair": "boom500", "order_type": "sell_limit", "entry_price": "3400",
            "ratio_0_25_price": "3391.5", "ratio_0_5_price": "3383",
            "ratio_1_price": "3366", "ratio_2_price": "3332",
            "timeframe": "1hour", "lot_size": "0.2"
        }
    ]
}`

type env struct {
	cfg     config.RegulationConfig
	venue   *sim.Venue
	signals *signal.Store
	ledger  *ledger.Store
}

func newEnv(t *testing.T, signalsJSON string) *env {
	t.Helper()

	dir := t.TempDir()
	sigPath := filepath.Join(dir, "signals.json")
	require.NoError(t, os.WriteFile(sigPath, []byte(signalsJSON), 0o644))

	store, err := signal.Open(sigPath)
	require.NoError(t, err)

	led, err := ledger.Open(dir, "user_1")
	require.NoError(t, err)

	return &env{
		cfg: config.RegulationConfig{
			SLAdjustPercent:  0.10,
			RRStepPercent:    0.25,
			BreakEvenPercent: 0.10,
			PriceTolerance:   1e-4,
			HistoryLookback:  config.Duration(72 * time.Hour),
			TickFreshness:    config.Duration(5 * time.Minute),
			VolatilityBuffer: 1.5,
		},
		venue:   sim.New(),
		signals: store,
		ledger:  led,
	}
}

func (e *env) reconciler() *Reconciler {
	r := NewReconciler(e.cfg, e.venue, e.signals, e.ledger, journal.Nop{}, 1)
	r.now = func() time.Time { return testNow }
	return r
}

func TestReconcileMatchesSignalToPosition(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.venue.AddPosition(venue.Position{
		Ticket:     10,
		Instrument: "EURUSD",
		Direction:  market.Long,
		Entry:      1.08501,
		OpenTime:   testNow.Add(-time.Hour),
	})

	stats, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	rec, ok := e.ledger.Running()[10]
	require.True(t, ok)
	assert.Equal(t, "eurusd", rec.Instrument)
	assert.Equal(t, 1.085, rec.Entry)
	assert.Equal(t, 1.0904, rec.R05)
	assert.Equal(t, testNow.Add(-time.Hour), rec.OpenTime)

	// The matched signal is consumed; the boom500 one remains.
	assert.Equal(t, 1, e.signals.Len())
	assert.Equal(t, 0, stats.Orphans)
	assert.Equal(t, 1, stats.Running)
}

func TestReconcileSynthesizesOrphan(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.venue.AddPosition(venue.Position{
		Ticket:     11,
		Instrument: "USDJPY",
		Direction:  market.Short,
		Entry:      150.0,
		OpenTime:   testNow.Add(-time.Hour),
	})

	stats, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orphans)

	rec, ok := e.ledger.Running()[11]
	require.True(t, ok)
	assert.Equal(t, "usdjpy", rec.Instrument)
	// Milestones step away from entry by 0.25% per quarter, doubling
	// per milestone, in the short direction.
	assert.InDelta(t, 150.0*(1-0.0025), rec.R025, 1e-9)
	assert.InDelta(t, 150.0*(1-0.0050), rec.R05, 1e-9)
	assert.InDelta(t, 150.0*(1-0.0100), rec.R1, 1e-9)
	assert.InDelta(t, 150.0*(1-0.0200), rec.R2, 1e-9)

	// The synthesized signal is published back to the shared store.
	assert.Equal(t, 3, e.signals.Len())
}

func TestReconcileIdempotentOnUnchangedSnapshot(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	e.venue.AddPosition(venue.Position{
		Ticket: 10, Instrument: "EURUSD", Direction: market.Long, Entry: 1.085,
	})
	e.venue.AddOrder(venue.PendingOrder{
		Ticket: 20, Instrument: "BOOM500", Direction: market.Short, Entry: 3400,
		SetupTime: testNow.Add(-time.Hour),
	})

	_, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	signalsAfterFirst := e.signals.Len()
	runningAfterFirst := len(e.ledger.Running())
	limitAfterFirst := len(e.ledger.Limit())

	stats, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, signalsAfterFirst, e.signals.Len())
	assert.Equal(t, runningAfterFirst, len(e.ledger.Running()))
	assert.Equal(t, limitAfterFirst, len(e.ledger.Limit()))
	assert.Equal(t, 0, stats.Orphans)
	assert.Empty(t, e.venue.Cancelled)
}

func TestReconcileTicketExclusivity(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	rec := ledger.Record{
		Signal: signal.Signal{Instrument: "eurusd", Direction: market.Long, Entry: 1.085, Timeframe: "1hour"},
		Ticket: 30,
	}
	e.ledger.Running()[30] = rec
	e.ledger.Limit()[30] = rec

	_, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, e.ledger.Limit(), int64(30))
}

func TestReconcileCancelsStaleLimitOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)

	hist := signal.Signal{Instrument: "gbpusd", Direction: market.Long, Entry: 1.27, Timeframe: "1hour"}
	e.ledger.Closed()[40] = ledger.Record{Signal: hist, Ticket: 40, CloseTime: testNow.Add(-24 * time.Hour)}

	// The venue reissued the same order under a new ticket.
	e.ledger.Limit()[41] = ledger.Record{Signal: hist, Ticket: 41}
	e.venue.AddOrder(venue.PendingOrder{
		Ticket: 41, Instrument: "GBPUSD", Direction: market.Long, Entry: 1.27,
		SetupTime: testNow.Add(-time.Hour),
	})

	stats, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, e.venue.Cancelled, int64(41))
	assert.NotContains(t, e.ledger.Limit(), int64(41))
	assert.Equal(t, 1, stats.Cancelled)
	// The cancelled order must not come back as an orphan.
	assert.Equal(t, 0, stats.Orphans)
}

func TestReconcilePromotesFilledOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	sig := signal.Signal{Instrument: "eurusd", Direction: market.Long, Entry: 1.085, Timeframe: "1hour"}
	e.ledger.Limit()[50] = ledger.Record{Signal: sig, Ticket: 50}

	e.venue.AddPosition(venue.Position{
		Ticket: 50, Instrument: "EURUSD", Direction: market.Long, Entry: 1.085,
		OpenTime: testNow.Add(-time.Minute),
	})

	_, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, e.ledger.Limit(), int64(50))
	require.Contains(t, e.ledger.Running(), int64(50))
	assert.Equal(t, testNow.Add(-time.Minute), e.ledger.Running()[50].OpenTime)
}

func TestReconcileClosesVanishedPosition(t *testing.T) {
	t.Parallel()

	e := newEnv(t, eurusdSignals)
	sig := signal.Signal{Instrument: "eurusd", Direction: market.Long, Entry: 1.085, Timeframe: "1hour"}
	e.ledger.Running()[60] = ledger.Record{Signal: sig, Ticket: 60, OpenTime: testNow.Add(-48 * time.Hour)}
	e.ledger.Running()[61] = ledger.Record{Signal: sig, Ticket: 61, OpenTime: testNow.Add(-time.Hour)}

	// Ticket 60 has a confirmed exit; 61 has no history and must stay
	// in Running as a transient desync.
	e.venue.AddDeal(venue.DealEvent{Ticket: 60, Exit: true, Price: 1.0958, Time: testNow.Add(-time.Hour)})

	_, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, e.ledger.Running(), int64(60))
	require.Contains(t, e.ledger.Closed(), int64(60))
	assert.Equal(t, testNow, e.ledger.Closed()[60].CloseTime)

	assert.Contains(t, e.ledger.Running(), int64(61))
}

func TestReconcileLeavesOldUnfilledOrderAlone(t *testing.T) {
	t.Parallel()

	// An unfilled order is not aged out by the reconciler, however long
	// it has sat. Expiry belongs to the venue; the ledger entry is
	// dropped only once the ticket disappears from the order book.
	e := newEnv(t, eurusdSignals)

	e.venue.AddOrder(venue.PendingOrder{
		Ticket: 70, Instrument: "BOOM500", Direction: market.Short, Entry: 3400,
		SetupTime: testNow.Add(-30 * 24 * time.Hour),
	})

	stats, err := e.reconciler().Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, e.venue.Cancelled)
	assert.Contains(t, e.ledger.Limit(), int64(70))
	assert.Equal(t, 0, stats.Cancelled)
}

func TestReconcilePersistsLedgers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sigPath := filepath.Join(dir, "signals.json")
	require.NoError(t, os.WriteFile(sigPath, []byte(eurusdSignals), 0o644))

	store, err := signal.Open(sigPath)
	require.NoError(t, err)
	led, err := ledger.Open(dir, "user_1")
	require.NoError(t, err)

	e := &env{
		cfg: config.RegulationConfig{
			RRStepPercent:   0.25,
			PriceTolerance:  1e-4,
			HistoryLookback: config.Duration(72 * time.Hour),
		},
		venue:   sim.New(),
		signals: store,
		ledger:  led,
	}
	e.venue.AddPosition(venue.Position{
		Ticket: 10, Instrument: "EURUSD", Direction: market.Long, Entry: 1.085,
	})

	_, err = e.reconciler().Run(context.Background())
	require.NoError(t, err)

	reopened, err := ledger.Open(dir, "user_1")
	require.NoError(t, err)
	assert.Contains(t, reopened.Running(), int64(10))
}
