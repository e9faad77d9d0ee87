// Package venue is the only channel to live trading state. An Adapter
// wraps one authenticated terminal session; switching accounts means
// connecting a new Adapter.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cipherflows/regulator/market"
)

type Adapter interface {
	Positions(ctx context.Context) ([]Position, error)
	PendingOrders(ctx context.Context) ([]PendingOrder, error)
	Tick(ctx context.Context, symbol string) (market.Tick, error)
	LastClosedCandle(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	Symbols(ctx context.Context) ([]string, error)
	ModifyStopLoss(ctx context.Context, ticket int64, newSL float64) error
	CancelOrder(ctx context.Context, ticket int64) error
	History(ctx context.Context, ticket int64, since time.Time) ([]DealEvent, error)
}

// Position is a live venue position. Read-only here except for the
// stop-loss, which ModifyStopLoss may request to change.
type Position struct {
	Ticket     int64
	Instrument string
	Direction  market.Direction
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	OpenTime   time.Time
}

// PendingOrder is a venue limit/stop order that has not filled yet.
type PendingOrder struct {
	Ticket     int64
	Instrument string
	Direction  market.Direction
	Entry      float64
	SetupTime  time.Time
}

type SymbolInfo struct {
	Name            string
	MinStopDistance float64
	TickSize        float64
	Tradeable       bool
}

// DealEvent is a trade-history entry for a ticket. Exit marks the deal
// that closed the position.
type DealEvent struct {
	Ticket int64
	Exit   bool
	Price  float64
	Time   time.Time
}

// Code classifies venue command rejections.
type Code string

const (
	// CodeTooClose means a stop or cancellation was rejected because the
	// price sits inside the venue's minimum stop distance. Expected
	// market geometry, not a defect.
	CodeTooClose Code = "too_close"
	// CodeRejected is any other command rejection; retryable.
	CodeRejected Code = "rejected"
	// CodeMarketClosed means the instrument is not currently trading.
	CodeMarketClosed Code = "market_closed"
	// CodeNotFound means the ticket no longer exists on the venue.
	CodeNotFound Code = "not_found"
)

// CommandError is a typed rejection from a venue write command.
type CommandError struct {
	Op     string
	Ticket int64
	Code   Code
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("venue %s ticket %d: %s (%s)", e.Op, e.Ticket, e.Code, e.Reason)
}

// IsTooClose reports whether err is a minimum-stop-distance rejection.
func IsTooClose(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Code == CodeTooClose
}

// IsRetryable reports whether a failed command is worth retrying.
// Too-close rejections are a wait state and not retried; a vanished
// ticket never comes back.
func IsRetryable(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		// Transport-level failures are retryable.
		return err != nil
	}
	switch ce.Code {
	case CodeTooClose, CodeNotFound, CodeMarketClosed:
		return false
	}
	return true
}
