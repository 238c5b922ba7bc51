// Package timesync correlates host uptime with receiver time for each rover.
//
// Every rover owns one Table. The table is built from sync records, either as
// they are produced live or loaded from a sync log, and answers two queries:
// Correlate interpolates receiver time at an arbitrary uptime, UptimeAt maps a
// receiver time back to the uptime at which it was recorded.
package timesync

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCorrelationUnavailable means the uptime is not bracketed by two
	// records.
	ErrCorrelationUnavailable = errors.New("correlation unavailable")
	// ErrNotFound means the receiver time was never recorded.
	ErrNotFound = errors.New("receiver time not recorded")
)

// Record ties one host uptime to one receiver time. Source is provenance for
// diagnostics, such as "sync_A.tsv:12" or "live:A".
type Record struct {
	Uptime int64
	ITOW   int64
	Source string
}

func (r Record) String() string {
	return fmt.Sprintf("uptime=%d iTOW=%d (%s)", r.Uptime, r.ITOW, r.Source)
}

// Outcome classifies a lookup.
type Outcome int

const (
	Correlated Outcome = iota + 1
	CorrelationUnavailable
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Correlated:
		return "correlated"
	case CorrelationUnavailable:
		return "correlation unavailable"
	case NotFound:
		return "not found"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Correlation is the typed result of a table lookup. Value is meaningful only
// when Outcome is Correlated.
type Correlation struct {
	Value   float64
	Outcome Outcome
}

// OK reports whether the lookup succeeded.
func (c Correlation) OK() bool { return c.Outcome == Correlated }

// Err maps the outcome onto the package sentinels.
func (c Correlation) Err() error {
	switch c.Outcome {
	case Correlated:
		return nil
	case NotFound:
		return ErrNotFound
	}
	return ErrCorrelationUnavailable
}

// WarningKind classifies a non-fatal data-quality problem found while
// building a table.
type WarningKind int

const (
	OutOfOrder WarningKind = iota
	DuplicateUptime
	DuplicateITOW
	Misaligned
)

func (k WarningKind) String() string {
	switch k {
	case OutOfOrder:
		return "out of order"
	case DuplicateUptime:
		return "duplicate uptime"
	case DuplicateITOW:
		return "duplicate iTOW"
	case Misaligned:
		return "misaligned iTOW"
	}
	return fmt.Sprintf("WarningKind(%d)", int(k))
}

// Warning describes one data-quality problem. Previous is the record that was
// displaced, if any.
type Warning struct {
	Kind     WarningKind
	Record   Record
	Previous *Record
}

func (w Warning) String() string {
	if w.Previous != nil {
		return fmt.Sprintf("%s: %s replaces %s", w.Kind, w.Record, *w.Previous)
	}
	return fmt.Sprintf("%s: %s", w.Kind, w.Record)
}

// Reader is the read-only view of a table handed to other components.
type Reader interface {
	Correlate(uptime float64) Correlation
	UptimeAt(itow int64) Correlation
	Len() int
	Bounds() (first, last Record, ok bool)
	Records() []Record
}

// Table is one rover's uptime to receiver time mapping. It has a single
// writer; concurrent reads during writes are not supported.
type Table struct {
	records []Record        // sorted by Uptime, unique
	reverse map[int64]int64 // ITOW -> Uptime, last write wins
}

var _ Reader = (*Table)(nil)

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{reverse: make(map[int64]int64)}
}

// Add indexes rec. Records are expected in non-decreasing uptime order;
// anything else is still indexed and reported.
func (t *Table) Add(rec Record) []Warning {
	var warnings []Warning

	i := sort.Search(len(t.records), func(i int) bool { return t.records[i].Uptime >= rec.Uptime })
	switch {
	case i < len(t.records) && t.records[i].Uptime == rec.Uptime:
		prev := t.records[i]
		if u, ok := t.reverse[prev.ITOW]; ok && u == prev.Uptime {
			delete(t.reverse, prev.ITOW)
		}
		t.records[i] = rec
		warnings = append(warnings, Warning{Kind: DuplicateUptime, Record: rec, Previous: &prev})
	case i < len(t.records):
		t.records = append(t.records, Record{})
		copy(t.records[i+1:], t.records[i:])
		t.records[i] = rec
		warnings = append(warnings, Warning{Kind: OutOfOrder, Record: rec})
	default:
		t.records = append(t.records, rec)
	}

	if u, ok := t.reverse[rec.ITOW]; ok && u != rec.Uptime {
		prev := Record{Uptime: u, ITOW: rec.ITOW}
		if j, found := t.find(u); found {
			prev = t.records[j]
		}
		warnings = append(warnings, Warning{Kind: DuplicateITOW, Record: rec, Previous: &prev})
	}
	t.reverse[rec.ITOW] = rec.Uptime
	return warnings
}

func (t *Table) find(uptime int64) (int, bool) {
	i := sort.Search(len(t.records), func(i int) bool { return t.records[i].Uptime >= uptime })
	return i, i < len(t.records) && t.records[i].Uptime == uptime
}

// Correlate returns the receiver time at uptime by linear interpolation
// between the first record at or after uptime and the record before it.
func (t *Table) Correlate(uptime float64) Correlation {
	i := sort.Search(len(t.records), func(i int) bool { return float64(t.records[i].Uptime) >= uptime })
	if i == len(t.records) {
		return Correlation{Outcome: CorrelationUnavailable}
	}
	upper := t.records[i]
	if float64(upper.Uptime) == uptime {
		return Correlation{Value: float64(upper.ITOW), Outcome: Correlated}
	}
	if i == 0 {
		return Correlation{Outcome: CorrelationUnavailable}
	}
	lower := t.records[i-1]
	f := (uptime - float64(lower.Uptime)) / float64(upper.Uptime-lower.Uptime)
	v := float64(lower.ITOW) + f*float64(upper.ITOW-lower.ITOW)
	return Correlation{Value: v, Outcome: Correlated}
}

// UptimeAt returns the uptime at which itow was recorded. Only exact matches
// are found.
func (t *Table) UptimeAt(itow int64) Correlation {
	u, ok := t.reverse[itow]
	if !ok {
		return Correlation{Outcome: NotFound}
	}
	return Correlation{Value: float64(u), Outcome: Correlated}
}

// Len returns the number of records.
func (t *Table) Len() int { return len(t.records) }

// Bounds returns the records with the lowest and highest uptime.
func (t *Table) Bounds() (first, last Record, ok bool) {
	if len(t.records) == 0 {
		return Record{}, Record{}, false
	}
	return t.records[0], t.records[len(t.records)-1], true
}

// Records returns a copy of the records in uptime order.
func (t *Table) Records() []Record {
	return append([]Record(nil), t.records...)
}
