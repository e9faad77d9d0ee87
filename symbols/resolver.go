// Package symbols maps the lowercase instrument names used by the
// signal feed onto the venue's broker-specific symbol names.
package symbols

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Resolver holds the venue's symbol universe and answers lookups for
// feed instrument names.
type Resolver struct {
	byFold map[string]string
	names  []string
}

// NewResolver builds a resolver over the venue's symbol list.
func NewResolver(venueSymbols []string) *Resolver {
	r := &Resolver{
		byFold: make(map[string]string, len(venueSymbols)),
		names:  make([]string, 0, len(venueSymbols)),
	}
	for _, name := range venueSymbols {
		r.byFold[strings.ToLower(name)] = name
		r.names = append(r.names, name)
	}
	return r
}

// Resolve returns the venue symbol for a feed instrument name. The
// match is case-insensitive but otherwise exact; a near miss is an
// error carrying suggestions, never a silent substitution.
func (r *Resolver) Resolve(instrument string) (string, error) {
	if name, ok := r.byFold[strings.ToLower(instrument)]; ok {
		return name, nil
	}
	return "", &UnresolvedError{
		Instrument:  instrument,
		Suggestions: r.suggest(instrument, 3),
	}
}

func (r *Resolver) suggest(instrument string, n int) []string {
	type scored struct {
		name string
		dist int
	}
	folded := strings.ToLower(instrument)
	ranked := make([]scored, 0, len(r.names))
	for _, name := range r.names {
		ranked = append(ranked, scored{name, levenshtein.ComputeDistance(folded, strings.ToLower(name))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.name)
	}
	return out
}

// UnresolvedError reports an instrument with no venue symbol, with the
// closest venue names to aid operator diagnosis.
type UnresolvedError struct {
	Instrument  string
	Suggestions []string
}

func (e *UnresolvedError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("no venue symbol for %q", e.Instrument)
	}
	return fmt.Sprintf("no venue symbol for %q (closest: %s)", e.Instrument, strings.Join(e.Suggestions, ", "))
}
