package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/pkg/logger"
)

// Store is the ordered collection of unconsumed signals, shared across
// accounts. Reconciliation consumes matched entries and appends
// synthesized ones for orphan venue tickets.
type Store struct {
	path string

	mu      sync.Mutex
	signals []Signal
}

type wireFile struct {
	Orders []Wire `json:"orders"`
}

// Open loads the signals file. A missing file is an error (the caller
// treats "no signals loadable" as an unrecoverable startup condition);
// a corrupt file resets to an empty collection, favoring availability.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file from disk. Called at the top of every
// regulation cycle so externally produced signals are picked up.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read signals: %w", err)
	}

	var wf wireFile
	if err := json.Unmarshal(data, &wf); err != nil {
		logger.Warnf("signals file %s is corrupt, starting fresh: %v", s.path, err)
		s.mu.Lock()
		s.signals = nil
		s.mu.Unlock()
		return nil
	}

	parsed := make([]Signal, 0, len(wf.Orders))
	for _, w := range wf.Orders {
		sig, err := w.Parse()
		if err != nil {
			logger.Warnf("skipping malformed signal: %v", err)
			continue
		}
		parsed = append(parsed, sig)
	}

	s.mu.Lock()
	s.signals = parsed
	s.mu.Unlock()
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

// Match returns the first signal covering the given venue details.
func (s *Store) Match(instrument string, dir market.Direction, entry, tol float64) (Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.signals {
		if sig.Matches(instrument, dir, entry, tol) {
			return sig, true
		}
	}
	return Signal{}, false
}

// Consume removes the first signal equal to sig. Returns false when the
// signal is already gone (another account consumed it).
func (s *Store) Consume(sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.signals {
		if existing == sig {
			s.signals = append(s.signals[:i], s.signals[i+1:]...)
			return true
		}
	}
	return false
}

// Append records a signal synthesized from an orphan venue ticket.
func (s *Store) Append(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

// Save writes the current collection back to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	wf := wireFile{Orders: make([]Wire, 0, len(s.signals))}
	for _, sig := range s.signals {
		wf.Orders = append(wf.Orders, sig.Wire())
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(wf, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write signals: %w", err)
	}
	return nil
}
