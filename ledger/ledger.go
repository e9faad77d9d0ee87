// Package ledger persists the per-account bookkeeping tables: Running,
// Closed and Limit, each keyed by venue ticket id. The files are the
// authoritative record between regulation cycles.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cipherflows/regulator/pkg/logger"
	"github.com/cipherflows/regulator/signal"
)

// Record is a consumed signal stamped with the venue ticket that now
// carries it. CloseTime is set only once the record reaches Closed.
type Record struct {
	signal.Signal
	Ticket    int64
	OpenTime  time.Time
	CloseTime time.Time
}

// Table maps ticket id to record. A ticket appears in at most one of
// the three tables; the reconciler enforces that on every pass.
type Table map[int64]Record

// Store owns the three tables for one account.
type Store struct {
	dir     string
	account string

	running Table
	closed  Table
	limit   Table
}

// Open loads the account's ledger files from dir. Missing files start
// empty; corrupt files are reset to empty with a warning so one bad
// write never stalls regulation.
func Open(dir, account string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	s := &Store{dir: dir, account: account}
	s.running = loadTable(s.path("runningtrades"))
	s.closed = loadTable(s.path("closedtrades"))
	s.limit = loadTable(s.path("limitorders"))
	return s, nil
}

func (s *Store) Account() string { return s.account }

// The returned tables are live; the regulation loop mutates them
// directly and calls SaveAll before moving to the next account.
func (s *Store) Running() Table { return s.running }
func (s *Store) Closed() Table  { return s.closed }
func (s *Store) Limit() Table   { return s.limit }

// Close moves a running record to Closed at the given time. Closed is
// append-only: an existing closed record for the ticket is kept.
func (s *Store) Close(ticket int64, at time.Time) {
	rec, ok := s.running[ticket]
	if !ok {
		return
	}
	delete(s.running, ticket)
	if _, dup := s.closed[ticket]; dup {
		return
	}
	rec.CloseTime = at
	s.closed[ticket] = rec
}

// Promote moves a limit record to Running when its order fills.
func (s *Store) Promote(ticket int64, openedAt time.Time) {
	rec, ok := s.limit[ticket]
	if !ok {
		return
	}
	delete(s.limit, ticket)
	rec.OpenTime = openedAt
	s.running[ticket] = rec
}

// SaveAll persists the three tables. Called synchronously at the end of
// each account's cycle, before the next account begins.
func (s *Store) SaveAll() error {
	for _, t := range []struct {
		name  string
		table Table
	}{
		{"runningtrades", s.running},
		{"closedtrades", s.closed},
		{"limitorders", s.limit},
	} {
		if err := saveTable(s.path(t.name), t.table); err != nil {
			return fmt.Errorf("save %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *Store) path(kind string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", s.account, kind))
}

// wireRecord extends the signal wire shape with ticket and timestamps.
type wireRecord struct {
	signal.Wire
	Ticket    int64  `json:"ticket"`
	OpenTime  string `json:"open_time,omitempty"`
	CloseTime string `json:"close_time,omitempty"`
}

func loadTable(path string) Table {
	table := make(Table)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("ledger file %s unreadable, starting fresh: %v", path, err)
		}
		return table
	}

	var wires []wireRecord
	if err := json.Unmarshal(data, &wires); err != nil {
		logger.Warnf("ledger file %s is corrupt, starting fresh: %v", path, err)
		return table
	}

	for _, w := range wires {
		rec, err := w.parse()
		if err != nil {
			logger.Warnf("skipping malformed ledger record in %s: %v", path, err)
			continue
		}
		table[rec.Ticket] = rec
	}
	return table
}

func saveTable(path string, table Table) error {
	tickets := make([]int64, 0, len(table))
	for t := range table {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })

	wires := make([]wireRecord, 0, len(table))
	for _, t := range tickets {
		wires = append(wires, wire(table[t]))
	}

	data, err := json.MarshalIndent(wires, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (w wireRecord) parse() (Record, error) {
	if w.Ticket == 0 {
		return Record{}, fmt.Errorf("missing ticket for %s", w.Pair)
	}

	// The shared fields go through the same boundary validation the
	// signal feed gets.
	sig, err := w.Wire.Parse()
	if err != nil {
		return Record{}, err
	}

	rec := Record{Signal: sig, Ticket: w.Ticket}
	if w.OpenTime != "" {
		rec.OpenTime, err = time.Parse(time.RFC3339Nano, w.OpenTime)
		if err != nil {
			return Record{}, fmt.Errorf("ticket %d: bad open_time: %w", w.Ticket, err)
		}
	}
	if w.CloseTime != "" {
		rec.CloseTime, err = time.Parse(time.RFC3339Nano, w.CloseTime)
		if err != nil {
			return Record{}, fmt.Errorf("ticket %d: bad close_time: %w", w.Ticket, err)
		}
	}
	return rec, nil
}

func wire(rec Record) wireRecord {
	w := wireRecord{Wire: rec.Signal.Wire(), Ticket: rec.Ticket}
	if !rec.OpenTime.IsZero() {
		w.OpenTime = rec.OpenTime.Format(time.RFC3339Nano)
	}
	if !rec.CloseTime.IsZero() {
		w.CloseTime = rec.CloseTime.Format(time.RFC3339Nano)
	}
	return w
}
