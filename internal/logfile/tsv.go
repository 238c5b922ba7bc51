package logfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/roverlog/internal/timesync"
)

// ErrBadHeader is returned when a log's first line is not the expected
// header.
var ErrBadHeader = errors.New("unexpected log header")

// DefaultMaxDistance is the longest plausible distance reading, in metres.
const DefaultMaxDistance = 100.0

// Headers of the tab-separated logs. Matching is case-insensitive.
var (
	TagHeader      = []string{"Uptime", "Tag"}
	DistanceHeader = []string{"Uptime", "Distance"}
	SyncHeader     = []string{"Uptime", "iTOW"}
)

// Warning is a skipped or suspicious record.
type Warning struct {
	Source string
	Line   int
	Msg    string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s:%d: %s", w.Source, w.Line, w.Msg)
}

// Tag marks a named moment, such as a surveyed object, on the host clock.
type Tag struct {
	Uptime int64
	Name   string
}

// Distance is one laser rangefinder reading in metres.
type Distance struct {
	Uptime int64
	Metres float64
}

type tsvReader struct {
	r        *csv.Reader
	source   string
	warnings []Warning
}

func newTSVReader(r io.Reader, source string, header []string) (*tsvReader, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	got, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty file: %w", source, ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", source, err)
	}
	if !headerMatches(got, header) {
		return nil, fmt.Errorf("%s: got %q, want %q: %w", source, strings.Join(got, "\t"), strings.Join(header, "\t"), ErrBadHeader)
	}
	return &tsvReader{r: cr, source: source}, nil
}

func headerMatches(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if !strings.EqualFold(strings.TrimSpace(got[i]), want[i]) {
			return false
		}
	}
	return true
}

// next returns the next row and its line number; ok is false at EOF.
// Malformed rows are recorded as warnings and skipped.
func (t *tsvReader) next() (row []string, line int, ok bool) {
	for {
		rec, err := t.r.Read()
		if err == io.EOF {
			return nil, 0, false
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				t.warn(pe.Line, pe.Err.Error())
				continue
			}
			t.warn(0, err.Error())
			return nil, 0, false
		}
		line, _ = t.r.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != 2 {
			t.warn(line, fmt.Sprintf("want 2 fields, got %d", len(rec)))
			continue
		}
		return rec, line, true
	}
}

func (t *tsvReader) warn(line int, msg string) {
	t.warnings = append(t.warnings, Warning{Source: t.source, Line: line, Msg: msg})
}

func (t *tsvReader) uptime(field string, line int) (int64, bool) {
	u, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
	if err != nil {
		t.warn(line, fmt.Sprintf("bad uptime %q", field))
		return 0, false
	}
	return u, true
}

// ReadTags parses a tag log. Records with an empty tag name or a repeated
// uptime are skipped with a warning.
func ReadTags(r io.Reader, source string) (*Timeline[Tag], []Warning, error) {
	tr, err := newTSVReader(r, source, TagHeader)
	if err != nil {
		return nil, nil, err
	}
	tl := NewTimeline[Tag]()
	for {
		row, line, ok := tr.next()
		if !ok {
			break
		}
		u, ok := tr.uptime(row[0], line)
		if !ok {
			continue
		}
		name := strings.TrimSpace(row[1])
		if name == "" {
			tr.warn(line, "empty tag name")
			continue
		}
		if err := tl.Insert(u, Tag{Uptime: u, Name: name}); err != nil {
			tr.warn(line, err.Error())
		}
	}
	return tl, tr.warnings, nil
}

// ReadDistances parses a distance log. Readings that are negative or beyond
// maxDistance are skipped with a warning; maxDistance <= 0 selects
// DefaultMaxDistance.
func ReadDistances(r io.Reader, source string, maxDistance float64) (*Timeline[Distance], []Warning, error) {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	tr, err := newTSVReader(r, source, DistanceHeader)
	if err != nil {
		return nil, nil, err
	}
	tl := NewTimeline[Distance]()
	for {
		row, line, ok := tr.next()
		if !ok {
			break
		}
		u, ok := tr.uptime(row[0], line)
		if !ok {
			continue
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			tr.warn(line, fmt.Sprintf("bad distance %q", row[1]))
			continue
		}
		if m < 0 || m > maxDistance {
			tr.warn(line, fmt.Sprintf("distance %.3fm outside 0..%.0fm", m, maxDistance))
			continue
		}
		if err := tl.Insert(u, Distance{Uptime: u, Metres: m}); err != nil {
			tr.warn(line, err.Error())
		}
	}
	return tl, tr.warnings, nil
}

// ReadSync parses a sync log into records in file order. Each record's
// Source is "source:line". Ordering and duplicate checks are left to
// timesync.Table.
func ReadSync(r io.Reader, source string) ([]timesync.Record, []Warning, error) {
	tr, err := newTSVReader(r, source, SyncHeader)
	if err != nil {
		return nil, nil, err
	}
	var recs []timesync.Record
	for {
		row, line, ok := tr.next()
		if !ok {
			break
		}
		u, ok := tr.uptime(row[0], line)
		if !ok {
			continue
		}
		itow, err := strconv.ParseInt(strings.TrimSpace(row[1]), 10, 64)
		if err != nil {
			tr.warn(line, fmt.Sprintf("bad iTOW %q", row[1]))
			continue
		}
		recs = append(recs, timesync.Record{Uptime: u, ITOW: itow, Source: fmt.Sprintf("%s:%d", source, line)})
	}
	return recs, tr.warnings, nil
}

// LoadTags opens and parses a tag log.
func LoadTags(path string) (*Timeline[Tag], []Warning, error) {
	var (
		tl *Timeline[Tag]
		w  []Warning
	)
	err := withFile(path, func(f *os.File) (err error) {
		tl, w, err = ReadTags(f, path)
		return err
	})
	return tl, w, err
}

// LoadDistances opens and parses a distance log.
func LoadDistances(path string, maxDistance float64) (*Timeline[Distance], []Warning, error) {
	var (
		tl *Timeline[Distance]
		w  []Warning
	)
	err := withFile(path, func(f *os.File) (err error) {
		tl, w, err = ReadDistances(f, path, maxDistance)
		return err
	})
	return tl, w, err
}

// LoadSync opens and parses a sync log.
func LoadSync(path string) ([]timesync.Record, []Warning, error) {
	var (
		recs []timesync.Record
		w    []Warning
	)
	err := withFile(path, func(f *os.File) (err error) {
		recs, w, err = ReadSync(f, path)
		return err
	})
	return recs, w, err
}

func withFile(path string, fn func(*os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()
	return fn(f)
}

// Writer appends rows to a tab-separated log. The header is written on
// creation.
type Writer struct {
	w *csv.Writer
	c io.Closer
}

// NewWriter writes header to w and returns a Writer for the rows that follow.
func NewWriter(w io.Writer, header []string) (*Writer, error) {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	out := &Writer{w: cw}
	if c, ok := w.(io.Closer); ok {
		out.c = c
	}
	return out, nil
}

// CreateWriter creates the file at path and writes header.
func CreateWriter(path string, header []string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log: %w", err)
	}
	w, err := NewWriter(f, header)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(fields ...string) error {
	if err := w.w.Write(fields); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// WriteTag appends a tag row.
func (w *Writer) WriteTag(t Tag) error {
	return w.write(strconv.FormatInt(t.Uptime, 10), t.Name)
}

// WriteDistance appends a distance row.
func (w *Writer) WriteDistance(d Distance) error {
	return w.write(strconv.FormatInt(d.Uptime, 10), strconv.FormatFloat(d.Metres, 'f', -1, 64))
}

// WriteSync appends a sync row.
func (w *Writer) WriteSync(r timesync.Record) error {
	return w.write(strconv.FormatInt(r.Uptime, 10), strconv.FormatInt(r.ITOW, 10))
}

// Close flushes and closes the underlying file, if any.
func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return err
	}
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}
