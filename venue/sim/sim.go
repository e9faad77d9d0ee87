// Package sim is an in-memory venue used by tests and the demo command.
// It records every write command so callers can assert on what the
// engines actually asked the venue to do.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/venue"
)

type Venue struct {
	mu sync.Mutex

	positions map[int64]venue.Position
	orders    map[int64]venue.PendingOrder
	ticks     map[string]market.Tick
	candles   map[string]market.Candle
	infos     map[string]venue.SymbolInfo
	history   map[int64][]venue.DealEvent

	// Rejections to inject, keyed by ticket. Each entry is consumed by
	// the next ModifyStopLoss/CancelOrder for that ticket.
	rejections map[int64][]error

	Modified  map[int64][]float64 // ticket -> successful SL values, in order
	Cancelled []int64             // tickets cancelled, in order
}

func New() *Venue {
	return &Venue{
		positions:  make(map[int64]venue.Position),
		orders:     make(map[int64]venue.PendingOrder),
		ticks:      make(map[string]market.Tick),
		candles:    make(map[string]market.Candle),
		infos:      make(map[string]venue.SymbolInfo),
		history:    make(map[int64][]venue.DealEvent),
		rejections: make(map[int64][]error),
		Modified:   make(map[int64][]float64),
	}
}

func (v *Venue) AddPosition(p venue.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[p.Ticket] = p
}

func (v *Venue) RemovePosition(ticket int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, ticket)
}

func (v *Venue) AddOrder(o venue.PendingOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders[o.Ticket] = o
}

func (v *Venue) SetTick(symbol string, t market.Tick) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ticks[symbol] = t
}

func (v *Venue) SetCandle(symbol string, c market.Candle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.candles[symbol] = c
}

func (v *Venue) SetSymbolInfo(info venue.SymbolInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.infos[info.Name] = info
}

func (v *Venue) AddDeal(d venue.DealEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history[d.Ticket] = append(v.history[d.Ticket], d)
}

// RejectNext queues an error for the next write command against ticket.
func (v *Venue) RejectNext(ticket int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejections[ticket] = append(v.rejections[ticket], err)
}

// Fill converts a pending order into a live position, as the venue does
// when price reaches the order's entry.
func (v *Venue) Fill(ticket int64, openTime time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[ticket]
	if !ok {
		return
	}
	delete(v.orders, ticket)
	v.positions[ticket] = venue.Position{
		Ticket:     o.Ticket,
		Instrument: o.Instrument,
		Direction:  o.Direction,
		Entry:      o.Entry,
		OpenTime:   openTime,
	}
}

func (v *Venue) Positions(ctx context.Context) ([]venue.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.Position, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, p)
	}
	return out, nil
}

func (v *Venue) PendingOrders(ctx context.Context) ([]venue.PendingOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.PendingOrder, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	return out, nil
}

func (v *Venue) Tick(ctx context.Context, symbol string) (market.Tick, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.ticks[symbol]
	if !ok {
		return market.Tick{}, &venue.CommandError{Op: "tick", Code: venue.CodeNotFound, Reason: symbol}
	}
	return t, nil
}

func (v *Venue) LastClosedCandle(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.candles[symbol]
	if !ok {
		return market.Candle{}, &venue.CommandError{Op: "candle", Code: venue.CodeNotFound, Reason: symbol}
	}
	return c, nil
}

func (v *Venue) SymbolInfo(ctx context.Context, symbol string) (venue.SymbolInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.infos[symbol]
	if !ok {
		return venue.SymbolInfo{}, &venue.CommandError{Op: "symbol_info", Code: venue.CodeNotFound, Reason: symbol}
	}
	return info, nil
}

func (v *Venue) Symbols(ctx context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.infos))
	for name := range v.infos {
		out = append(out, name)
	}
	return out, nil
}

func (v *Venue) ModifyStopLoss(ctx context.Context, ticket int64, newSL float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popRejection(ticket); err != nil {
		return err
	}
	p, ok := v.positions[ticket]
	if !ok {
		return &venue.CommandError{Op: "modify_sl", Ticket: ticket, Code: venue.CodeNotFound}
	}
	p.StopLoss = newSL
	v.positions[ticket] = p
	v.Modified[ticket] = append(v.Modified[ticket], newSL)
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, ticket int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popRejection(ticket); err != nil {
		return err
	}
	if _, ok := v.orders[ticket]; !ok {
		return &venue.CommandError{Op: "cancel", Ticket: ticket, Code: venue.CodeNotFound}
	}
	delete(v.orders, ticket)
	v.Cancelled = append(v.Cancelled, ticket)
	return nil
}

func (v *Venue) History(ctx context.Context, ticket int64, since time.Time) ([]venue.DealEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []venue.DealEvent
	for _, d := range v.history[ticket] {
		if d.Time.Before(since) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// caller holds v.mu
func (v *Venue) popRejection(ticket int64) error {
	queue := v.rejections[ticket]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	v.rejections[ticket] = queue[1:]
	return err
}
