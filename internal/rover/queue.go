// Package rover holds the per-rover ingest queues and the live synchroniser
// that aligns them on receiver time.
package rover

import "github.com/banshee-data/roverlog/internal/sample"

// Queue is a FIFO of arrived-but-unmatched samples in arrival order.
type Queue struct {
	items []sample.Position
	head  int
}

// Push appends p to the tail.
func (q *Queue) Push(p sample.Position) {
	q.items = append(q.items, p)
}

// Len returns the number of queued samples.
func (q *Queue) Len() int { return len(q.items) - q.head }

// Head returns the oldest sample without removing it.
func (q *Queue) Head() (sample.Position, bool) {
	if q.Len() == 0 {
		return sample.Position{}, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the oldest sample.
func (q *Queue) Pop() (sample.Position, bool) {
	p, ok := q.Head()
	if !ok {
		return p, false
	}
	q.head++
	q.compact()
	return p, true
}

// TrimTo drops samples from the head until at most n remain and returns the
// number dropped.
func (q *Queue) TrimTo(n int) int {
	drop := q.Len() - n
	if drop <= 0 {
		return 0
	}
	q.head += drop
	q.compact()
	return drop
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.items = q.items[:0]
	q.head = 0
}

// Snapshot copies the queued samples in order.
func (q *Queue) Snapshot() []sample.Position {
	return append([]sample.Position(nil), q.items[q.head:]...)
}

func (q *Queue) compact() {
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 64 && q.head*2 > len(q.items):
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}
