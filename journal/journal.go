// Package journal records every regulatory action the engine takes,
// so stop adjustments and cancellations stay auditable across cycles.
package journal

import "time"

// Kinds of journal entries.
const (
	KindAdjustment = "adjustment"
	KindCancel     = "cancel"
	KindClose      = "close"
	KindOrphan     = "orphan"
	KindFailure    = "failure"
	KindSLWait     = "sl_wait"
)

// Entry is one recorded action. Ticket is zero for entries that are
// not about a single position, such as cycle-level failures.
type Entry struct {
	ID         string
	Cycle      int64
	Account    string
	Ticket     int64
	Instrument string
	Kind       string
	Detail     string
	At         time.Time
}

// Adjustment records a stop-loss move with both prices, for querying
// trail progression per ticket.
type Adjustment struct {
	ID         string
	Cycle      int64
	Account    string
	Ticket     int64
	Instrument string
	OldStop    float64
	NewStop    float64
	Reason     string
	At         time.Time
}

type Journal interface {
	RecordEntry(Entry) error
	RecordAdjustment(Adjustment) error
	Close() error
}

// Nop discards everything. Used in tests and demo mode.
type Nop struct{}

func (Nop) RecordEntry(Entry) error           { return nil }
func (Nop) RecordAdjustment(Adjustment) error { return nil }
func (Nop) Close() error                      { return nil }
