package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/venue"
)

func TestModifyStopLossRecordsAndApplies(t *testing.T) {
	t.Parallel()

	v := New()
	v.AddPosition(venue.Position{Ticket: 7, Instrument: "EURUSD", Direction: market.Long, Entry: 1.10})

	require.NoError(t, v.ModifyStopLoss(context.Background(), 7, 1.105))

	positions, err := v.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.105, positions[0].StopLoss)
	assert.Equal(t, []float64{1.105}, v.Modified[7])
}

func TestRejectionInjection(t *testing.T) {
	t.Parallel()

	v := New()
	v.AddPosition(venue.Position{Ticket: 9, Instrument: "EURUSD", Direction: market.Long, Entry: 1.10})
	v.RejectNext(9, &venue.CommandError{Op: "modify_sl", Ticket: 9, Code: venue.CodeTooClose})

	err := v.ModifyStopLoss(context.Background(), 9, 1.101)
	assert.True(t, venue.IsTooClose(err))

	// The queued rejection is consumed; the second attempt succeeds.
	require.NoError(t, v.ModifyStopLoss(context.Background(), 9, 1.101))
}

func TestFillMovesOrderToPosition(t *testing.T) {
	t.Parallel()

	v := New()
	v.AddOrder(venue.PendingOrder{Ticket: 21, Instrument: "volatility75", Direction: market.Short, Entry: 1050})

	v.Fill(21, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))

	orders, err := v.PendingOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)

	positions, err := v.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(21), positions[0].Ticket)
	assert.Equal(t, market.Short, positions[0].Direction)
}

func TestCancelUnknownTicket(t *testing.T) {
	t.Parallel()

	v := New()
	err := v.CancelOrder(context.Background(), 404)
	require.Error(t, err)
	assert.False(t, venue.IsRetryable(err))
}

func TestHistoryLookbackFilter(t *testing.T) {
	t.Parallel()

	v := New()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)
	v.AddDeal(venue.DealEvent{Ticket: 3, Exit: true, Time: old})
	v.AddDeal(venue.DealEvent{Ticket: 3, Exit: true, Time: recent})

	deals, err := v.History(context.Background(), 3, old.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, recent, deals[0].Time)
}
