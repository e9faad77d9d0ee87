package market

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the side of a trade intent or live position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Sign returns +1 for long and -1 for short, so price arithmetic can be
// written once for both sides.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// OrderType renders the direction in the wire vocabulary used by the
// signal feed ("buy_limit" / "sell_limit").
func (d Direction) OrderType() string {
	if d == Short {
		return "sell_limit"
	}
	return "buy_limit"
}

// ParseOrderType maps a signal-feed order type to a Direction. Limit and
// stop variants collapse to the same side.
func ParseOrderType(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "buy_limit", "buy_stop":
		return Long, nil
	case "sell", "sell_limit", "sell_stop":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown order type %q", s)
	}
}

// Timeframe identifies a candle granularity.
type Timeframe string

const (
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
)

// ParseTimeframe accepts the signal feed's long-form names as well as
// the short codes.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "5minutes", "5 minutes", "5m", "m5":
		return M5, nil
	case "15minutes", "15 minutes", "15m", "m15":
		return M15, nil
	case "30minutes", "30 minutes", "30m", "m30":
		return M30, nil
	case "1hour", "1 hour", "1h", "h1":
		return H1, nil
	case "4hour", "4 hours", "4hours", "4h", "h4":
		return H4, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
}

func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case M30:
		return 30 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	}
	return 0
}

// Tick is a venue quote snapshot.
type Tick struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// FreshWithin reports whether the tick arrived inside the given window.
// A stale tick is how we judge a market closed.
func (t Tick) FreshWithin(window time.Duration, now time.Time) bool {
	if t.Time.IsZero() {
		return false
	}
	return now.Sub(t.Time) <= window
}

// Candle carries the only field the regulator cares about: the close of
// the last completed bar.
type Candle struct {
	Close float64
	Time  time.Time
}
