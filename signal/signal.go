// Package signal models trade intents and the file-backed store they
// live in until reconciliation attaches them to a venue ticket.
package signal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cipherflows/regulator/market"
)

// Signal is an immutable trade intent. The four ratio prices are the
// risk-reward milestones the trailing engine climbs through.
type Signal struct {
	Instrument string
	Direction  market.Direction
	Entry      float64
	R025       float64
	R05        float64
	R1         float64
	R2         float64
	Timeframe  string // feed vocabulary, e.g. "1hour"
	LotSize    float64
	RiskTier   string
}

// Matches reports whether the signal covers a venue position or order
// with the given details, using an absolute entry-price tolerance.
func (s Signal) Matches(instrument string, dir market.Direction, entry, tol float64) bool {
	if !strings.EqualFold(s.Instrument, instrument) || s.Direction != dir {
		return false
	}
	return abs(s.Entry-entry) < tol
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Wire is the feed's JSON shape: numerics are strings and fields may be
// absent. Validation happens at this boundary so malformed records
// never reach the engines. The ledger embeds Wire for its own files.
type Wire struct {
	Pair      string `json:"pair"`
	OrderType string `json:"order_type"`
	Entry     string `json:"entry_price"`
	R025      string `json:"ratio_0_25_price,omitempty"`
	R05       string `json:"ratio_0_5_price,omitempty"`
	R1        string `json:"ratio_1_price,omitempty"`
	R2        string `json:"ratio_2_price,omitempty"`
	Timeframe string `json:"timeframe"`
	LotSize   string `json:"lot_size,omitempty"`
	RiskTier  string `json:"allowed_risk,omitempty"`
}

func (w Wire) Parse() (Signal, error) {
	if strings.TrimSpace(w.Pair) == "" {
		return Signal{}, fmt.Errorf("missing pair")
	}
	dir, err := market.ParseOrderType(w.OrderType)
	if err != nil {
		return Signal{}, fmt.Errorf("pair %s: %w", w.Pair, err)
	}
	entry, err := parsePrice(w.Entry, "entry_price")
	if err != nil {
		return Signal{}, fmt.Errorf("pair %s: %w", w.Pair, err)
	}

	s := Signal{
		Instrument: strings.ToLower(strings.TrimSpace(w.Pair)),
		Direction:  dir,
		Entry:      entry,
		Timeframe:  strings.TrimSpace(w.Timeframe),
		RiskTier:   strings.TrimSpace(w.RiskTier),
	}
	if s.Timeframe == "" {
		return Signal{}, fmt.Errorf("pair %s: missing timeframe", w.Pair)
	}
	if _, err := market.ParseTimeframe(s.Timeframe); err != nil {
		return Signal{}, fmt.Errorf("pair %s: %w", w.Pair, err)
	}

	for _, f := range []struct {
		raw  string
		name string
		dst  *float64
	}{
		{w.R025, "ratio_0_25_price", &s.R025},
		{w.R05, "ratio_0_5_price", &s.R05},
		{w.R1, "ratio_1_price", &s.R1},
		{w.R2, "ratio_2_price", &s.R2},
	} {
		if f.raw == "" {
			continue
		}
		v, err := parsePrice(f.raw, f.name)
		if err != nil {
			return Signal{}, fmt.Errorf("pair %s: %w", w.Pair, err)
		}
		*f.dst = v
	}

	if w.LotSize != "" {
		v, err := strconv.ParseFloat(w.LotSize, 64)
		if err != nil || v < 0 {
			return Signal{}, fmt.Errorf("pair %s: invalid lot_size %q", w.Pair, w.LotSize)
		}
		s.LotSize = v
	}
	return s, nil
}

func (s Signal) Wire() Wire {
	w := Wire{
		Pair:      s.Instrument,
		OrderType: s.Direction.OrderType(),
		Entry:     formatPrice(s.Entry),
		Timeframe: s.Timeframe,
		RiskTier:  s.RiskTier,
	}
	if s.R025 != 0 {
		w.R025 = formatPrice(s.R025)
	}
	if s.R05 != 0 {
		w.R05 = formatPrice(s.R05)
	}
	if s.R1 != 0 {
		w.R1 = formatPrice(s.R1)
	}
	if s.R2 != 0 {
		w.R2 = formatPrice(s.R2)
	}
	if s.LotSize != 0 {
		w.LotSize = strconv.FormatFloat(s.LotSize, 'g', -1, 64)
	}
	return w
}

func parsePrice(raw, name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// formatPrice uses the shortest representation that parses back to the
// identical float64, so files round-trip exactly.
func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
