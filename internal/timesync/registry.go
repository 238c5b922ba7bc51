package timesync

import (
	"fmt"

	"github.com/banshee-data/roverlog/internal/monitoring"
)

// Registry owns one table per rover, indexed as the synchroniser indexes
// rovers. Other components see the tables only through Reader.
type Registry struct {
	names   []string
	tables  []*Table
	aligner *Aligner
}

// NewRegistry creates empty tables for the named rovers. aligner may be nil.
func NewRegistry(names []string, aligner *Aligner) *Registry {
	r := &Registry{names: append([]string(nil), names...), aligner: aligner}
	for range names {
		r.tables = append(r.tables, NewTable())
	}
	return r
}

// Len returns the number of rovers.
func (r *Registry) Len() int { return len(r.tables) }

// Name returns rover i's name.
func (r *Registry) Name(i int) string { return r.names[i] }

// Table returns a read-only view of rover i's table.
func (r *Registry) Table(i int) Reader { return r.tables[i] }

// Add aligns rec.ITOW when an aligner is configured, indexes it on rover i's
// table and logs every warning. It returns the record as indexed.
func (r *Registry) Add(i int, rec Record) (Record, []Warning, error) {
	if i < 0 || i >= len(r.tables) {
		return rec, nil, fmt.Errorf("rover index %d out of range (%d rovers)", i, len(r.tables))
	}
	var warnings []Warning
	if r.aligner != nil {
		aligned, adjusted, flagged := r.aligner.Align(rec.ITOW)
		switch {
		case adjusted:
			monitoring.Diagf("timesync: %s iTOW %d aligned to %d (%s)", r.names[i], rec.ITOW, aligned, rec.Source)
			rec.ITOW = aligned
		case flagged:
			warnings = append(warnings, Warning{Kind: Misaligned, Record: rec})
		}
	}
	warnings = append(warnings, r.tables[i].Add(rec)...)
	for _, w := range warnings {
		monitoring.Opsf("timesync: %s: %s", r.names[i], w)
	}
	return rec, warnings, nil
}

// Place correlates a host uptime on every rover's timeline.
func (r *Registry) Place(uptime float64) []Correlation {
	out := make([]Correlation, len(r.tables))
	for i, t := range r.tables {
		out[i] = t.Correlate(uptime)
	}
	return out
}
