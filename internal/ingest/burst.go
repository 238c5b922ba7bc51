// Package ingest runs the live path: one worker per byte source demultiplexes
// its bursts into rover samples, and a single consumer owns the synchroniser
// and the time correlation tables.
package ingest

import "fmt"

// Reason says why a byte source delivered a burst.
type Reason int

const (
	// ReasonData is a normal read.
	ReasonData Reason = iota
	// ReasonTimeout is an idle gap; any partial frame is abandoned.
	ReasonTimeout
	// ReasonClosed is the last burst of a source.
	ReasonClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonData:
		return "data"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosed:
		return "closed"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Burst is a run of bytes from one source with the host uptime, in ms, of
// its first and last byte.
type Burst struct {
	Data   []byte
	First  int64
	Last   int64
	Reason Reason
}
