package rover

import (
	"fmt"

	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/sample"
)

// Rover counts supported by the synchroniser.
const (
	MinRovers = 2
	MaxRovers = 3
)

// DefaultQueueLimit bounds each rover queue when no limit is configured.
const DefaultQueueLimit = 100

// weekMs is one GNSS week of receiver time. A sample more than half a week
// behind the last match is a week rollover or receiver reset.
const weekMs = 7 * 24 * 3600 * 1000

// Options configures the synchroniser.
type Options struct {
	// QueueLimit is the longest a rover queue may grow before its oldest
	// unmatched samples are dropped.
	QueueLimit int
}

// Match is one aligned tuple: a sample from every rover at the same
// receiver time. Epoch increments each time the receivers' time restarts.
type Match struct {
	ITOW    int64
	Samples []sample.Position
	Epoch   int
}

// State is one rover's queue and its last matched sample.
type State struct {
	Name        string
	Queue       Queue
	LastMatched *sample.Position
}

// Stats counts synchroniser activity.
type Stats struct {
	Pushed    int
	Matched   int
	Discarded int // heads older than the newest common head
	Stale     int // arrivals at or before the last match
	Trimmed   int // dropped by the queue limit
	Resets    int
}

// Synchronizer aligns 2 or 3 rover streams on receiver time. It is not safe
// for concurrent use; the ingest consumer owns it.
type Synchronizer struct {
	rovers  []*State
	limit   int
	publish func(Match)

	lastMatched int64
	hasMatched  bool
	epoch       int
	stats       Stats
}

// NewSynchronizer creates a synchroniser for the named rovers. publish, when
// non-nil, receives each match in order.
func NewSynchronizer(names []string, opts Options, publish func(Match)) (*Synchronizer, error) {
	if len(names) < MinRovers || len(names) > MaxRovers {
		return nil, fmt.Errorf("synchronizer needs %d to %d rovers, got %d", MinRovers, MaxRovers, len(names))
	}
	limit := opts.QueueLimit
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	s := &Synchronizer{limit: limit, publish: publish}
	for _, name := range names {
		s.rovers = append(s.rovers, &State{Name: name})
	}
	return s, nil
}

// Len returns the number of rovers.
func (s *Synchronizer) Len() int { return len(s.rovers) }

// Rover returns the state of rover i for inspection.
func (s *Synchronizer) Rover(i int) *State { return s.rovers[i] }

// Stats returns a snapshot of the counters.
func (s *Synchronizer) Stats() Stats { return s.stats }

// LastMatched returns the receiver time of the latest match.
func (s *Synchronizer) LastMatched() (int64, bool) {
	return s.lastMatched, s.hasMatched
}

// QueueLens returns the current length of every rover queue.
func (s *Synchronizer) QueueLens() []int {
	out := make([]int, len(s.rovers))
	for i, r := range s.rovers {
		out[i] = r.Queue.Len()
	}
	return out
}

// Push enqueues a sample for rover i and returns every match it resolves.
func (s *Synchronizer) Push(i int, p sample.Position) []Match {
	if i < 0 || i >= len(s.rovers) {
		monitoring.Opsf("synchronizer: sample for unknown rover %d dropped", i)
		return nil
	}
	s.stats.Pushed++

	if s.hasMatched && p.ITOW <= s.lastMatched {
		if s.lastMatched-p.ITOW > weekMs/2 {
			s.reset(p.ITOW)
		} else {
			s.stats.Stale++
			monitoring.Tracef("synchronizer: %s iTOW %d at or before last match %d", s.rovers[i].Name, p.ITOW, s.lastMatched)
			return nil
		}
	}

	s.rovers[i].Queue.Push(p)
	matches := s.advance()
	s.trim()
	return matches
}

// advance matches queue heads. Each pass either publishes a match, strictly
// raises the newest common head, or empties a queue, so it terminates.
func (s *Synchronizer) advance() []Match {
	var matches []Match
	for {
		if s.anyEmpty() {
			return matches
		}
		h := s.highestHead()

		for _, r := range s.rovers {
			for {
				head, ok := r.Queue.Head()
				if !ok || head.ITOW >= h {
					break
				}
				r.Queue.Pop()
				s.stats.Discarded++
			}
		}
		if s.anyEmpty() {
			return matches
		}
		if s.highestHead() != h || !s.headsEqual(h) {
			continue
		}

		m := Match{ITOW: h, Samples: make([]sample.Position, len(s.rovers)), Epoch: s.epoch}
		for j, r := range s.rovers {
			p, _ := r.Queue.Pop()
			m.Samples[j] = p
			r.LastMatched = &m.Samples[j]
		}
		s.lastMatched = h
		s.hasMatched = true
		s.stats.Matched++
		matches = append(matches, m)
		if s.publish != nil {
			s.publish(m)
		}
	}
}

func (s *Synchronizer) anyEmpty() bool {
	for _, r := range s.rovers {
		if r.Queue.Len() == 0 {
			return true
		}
	}
	return false
}

func (s *Synchronizer) highestHead() int64 {
	var h int64
	for j, r := range s.rovers {
		head, _ := r.Queue.Head()
		if j == 0 || head.ITOW > h {
			h = head.ITOW
		}
	}
	return h
}

func (s *Synchronizer) headsEqual(h int64) bool {
	for _, r := range s.rovers {
		head, _ := r.Queue.Head()
		if head.ITOW != h {
			return false
		}
	}
	return true
}

func (s *Synchronizer) trim() {
	for _, r := range s.rovers {
		if n := r.Queue.TrimTo(s.limit); n > 0 {
			s.stats.Trimmed += n
			monitoring.Opsf("synchronizer: %s queue over %d, dropped %d oldest unmatched samples", r.Name, s.limit, n)
		}
	}
}

// Restart drops every queued sample and starts a new epoch, so receiver
// times at or before the last match are accepted again. Replay calls it when
// a looped range starts over.
func (s *Synchronizer) Restart() {
	monitoring.Diagf("synchronizer: restarted after match at %d, starting epoch %d", s.lastMatched, s.epoch+1)
	s.restart()
}

func (s *Synchronizer) reset(itow int64) {
	monitoring.Opsf("synchronizer: receiver time restarted (iTOW %d after match at %d), starting epoch %d", itow, s.lastMatched, s.epoch+1)
	s.restart()
}

func (s *Synchronizer) restart() {
	for _, r := range s.rovers {
		r.Queue.Clear()
		r.LastMatched = nil
	}
	s.hasMatched = false
	s.lastMatched = 0
	s.epoch++
	s.stats.Resets++
}
