package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/signal"
)

func sampleRecord(ticket int64) Record {
	return Record{
		Signal: signal.Signal{
			Instrument: "eurusd",
			Direction:  market.Long,
			Entry:      1.0850,
			R025:       1.0877,
			R05:        1.0904,
			R1:         1.0958,
			R2:         1.1066,
			Timeframe:  "1hour",
			LotSize:    0.1,
			RiskTier:   "regular",
		},
		Ticket:   ticket,
		OpenTime: time.Date(2026, 2, 10, 14, 30, 0, 123456000, time.UTC),
	}
}

func TestSaveAllRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := Open(dir, "user_42")
	require.NoError(t, err)

	rec := sampleRecord(1001)
	store.Running()[rec.Ticket] = rec

	lim := sampleRecord(1002)
	lim.Direction = market.Short
	lim.OpenTime = time.Time{}
	store.Limit()[lim.Ticket] = lim

	require.NoError(t, store.SaveAll())

	reopened, err := Open(dir, "user_42")
	require.NoError(t, err)

	got, ok := reopened.Running()[1001]
	require.True(t, ok)
	assert.Equal(t, rec, got)

	gotLim, ok := reopened.Limit()[1002]
	require.True(t, ok)
	assert.Equal(t, lim, gotLim)
	assert.Empty(t, reopened.Closed())
}

func TestCloseMovesRecordOnce(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir(), "user_7")
	require.NoError(t, err)

	rec := sampleRecord(55)
	store.Running()[rec.Ticket] = rec

	closedAt := time.Date(2026, 2, 12, 9, 0, 0, 0, time.UTC)
	store.Close(55, closedAt)

	assert.Empty(t, store.Running())
	require.Contains(t, store.Closed(), int64(55))
	assert.Equal(t, closedAt, store.Closed()[55].CloseTime)

	// Closed is append-only: re-closing the same ticket keeps the
	// original close time.
	store.Running()[55] = rec
	store.Close(55, closedAt.Add(time.Hour))
	assert.Equal(t, closedAt, store.Closed()[55].CloseTime)
}

func TestPromoteMovesLimitToRunning(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir(), "user_7")
	require.NoError(t, err)

	rec := sampleRecord(77)
	rec.OpenTime = time.Time{}
	store.Limit()[rec.Ticket] = rec

	filledAt := time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)
	store.Promote(77, filledAt)

	assert.Empty(t, store.Limit())
	require.Contains(t, store.Running(), int64(77))
	assert.Equal(t, filledAt, store.Running()[77].OpenTime)
}

func TestCorruptFileResetsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "user_9_runningtrades.json")
	require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o644))

	store, err := Open(dir, "user_9")
	require.NoError(t, err)
	assert.Empty(t, store.Running())
}

func TestMalformedRecordSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `[
        {"pair": "eurusd", "order_type": "buy_limit", "entry_price": "1.1", "timeframe": "1hour", "ticket": 5},
        {"pair": "gbpusd", "order_type": "buy_limit", "entry_price": "zero", "timeframe": "1hour", "ticket": 6},
        {"pair": "usdjpy", "order_type": "buy_limit", "entry_price": "151.2", "timeframe": "1hour"}
    ]`
	path := filepath.Join(dir, "user_9_limitorders.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := Open(dir, "user_9")
	require.NoError(t, err)
	// The bad price and the missing ticket are dropped at the boundary.
	assert.Len(t, store.Limit(), 1)
	assert.Contains(t, store.Limit(), int64(5))
}
