// Package logfile reads and writes the persisted session logs: tab-separated
// tag, distance and sync files, the chunked lidar round format, and raw
// receiver captures. Everything read is loaded into time-ordered containers.
package logfile

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateKey is returned when a timeline already holds the key.
var ErrDuplicateKey = errors.New("duplicate key")

// Entry is one keyed value of a Timeline.
type Entry[T any] struct {
	Key   int64
	Value T
}

// Timeline is a key-unique container ordered by ascending int64 key. Logs are
// written in time order, so Insert appends in the common case.
type Timeline[T any] struct {
	entries []Entry[T]
}

// NewTimeline returns an empty timeline.
func NewTimeline[T any]() *Timeline[T] {
	return &Timeline[T]{}
}

// Insert adds v at key.
func (tl *Timeline[T]) Insert(key int64, v T) error {
	n := len(tl.entries)
	if n == 0 || tl.entries[n-1].Key < key {
		tl.entries = append(tl.entries, Entry[T]{key, v})
		return nil
	}
	i := tl.search(key)
	if tl.entries[i].Key == key {
		return fmt.Errorf("key %d: %w", key, ErrDuplicateKey)
	}
	tl.entries = append(tl.entries, Entry[T]{})
	copy(tl.entries[i+1:], tl.entries[i:])
	tl.entries[i] = Entry[T]{key, v}
	return nil
}

func (tl *Timeline[T]) search(key int64) int {
	return sort.Search(len(tl.entries), func(i int) bool { return tl.entries[i].Key >= key })
}

// Len returns the number of entries.
func (tl *Timeline[T]) Len() int { return len(tl.entries) }

// At returns the value stored at key.
func (tl *Timeline[T]) At(key int64) (T, bool) {
	i := tl.search(key)
	if i < len(tl.entries) && tl.entries[i].Key == key {
		return tl.entries[i].Value, true
	}
	var zero T
	return zero, false
}

// NextAfter returns the smallest key strictly greater than key.
func (tl *Timeline[T]) NextAfter(key int64) (int64, bool) {
	i := sort.Search(len(tl.entries), func(i int) bool { return tl.entries[i].Key > key })
	if i == len(tl.entries) {
		return 0, false
	}
	return tl.entries[i].Key, true
}

// Range returns the entries with min <= key <= max.
func (tl *Timeline[T]) Range(min, max int64) []Entry[T] {
	lo := tl.search(min)
	hi := sort.Search(len(tl.entries), func(i int) bool { return tl.entries[i].Key > max })
	if lo >= hi {
		return nil
	}
	return append([]Entry[T](nil), tl.entries[lo:hi]...)
}

// First returns the lowest key.
func (tl *Timeline[T]) First() (int64, bool) {
	if len(tl.entries) == 0 {
		return 0, false
	}
	return tl.entries[0].Key, true
}

// Last returns the highest key.
func (tl *Timeline[T]) Last() (int64, bool) {
	if len(tl.entries) == 0 {
		return 0, false
	}
	return tl.entries[len(tl.entries)-1].Key, true
}

// Entries returns a copy of every entry in key order.
func (tl *Timeline[T]) Entries() []Entry[T] {
	return append([]Entry[T](nil), tl.entries...)
}
