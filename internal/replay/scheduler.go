package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/sample"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

var (
	// ErrInvalidRange is returned by Start when min >= max.
	ErrInvalidRange = errors.New("invalid replay range")
	// ErrNoData is returned by Start when no event falls inside the range.
	ErrNoData = errors.New("no events in replay range")
	// ErrNotPaused is returned by Resume when there is nothing to resume.
	ErrNotPaused = errors.New("replay not paused")
)

// Defaults for Options.
const (
	DefaultSpeed        = 1.0
	DefaultFastSpeed    = 1000.0
	DefaultMaxStepDelay = 5 * time.Second
	DefaultMaxDrift     = time.Second
)

// Options controls pacing.
type Options struct {
	// Speed is the playback rate; 2 plays twice as fast as recorded.
	Speed float64
	// FastSpeed is the rate at or above which events are emitted without
	// waiting.
	FastSpeed float64
	// MaxStepDelay caps the wait between two steps.
	MaxStepDelay time.Duration
	// MaxDrift bounds the accumulated timer error corrected in one step.
	MaxDrift time.Duration
	// Loop restarts from the range start when the range is exhausted.
	Loop bool
}

// DefaultOptions returns real-time playback without looping.
func DefaultOptions() Options {
	return Options{}.normalise()
}

func (o Options) normalise() Options {
	if o.Speed <= 0 {
		o.Speed = DefaultSpeed
	}
	if o.FastSpeed <= 0 {
		o.FastSpeed = DefaultFastSpeed
	}
	if o.MaxStepDelay <= 0 {
		o.MaxStepDelay = DefaultMaxStepDelay
	}
	if o.MaxDrift <= 0 {
		o.MaxDrift = DefaultMaxDrift
	}
	return o
}

// State is the scheduler lifecycle.
type State int

const (
	Idle State = iota
	Running
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stats counts scheduler activity. Lateness is the timer error observed at
// each paced step, in milliseconds.
type Stats struct {
	Ticks        int
	Emitted      [4]int
	Unresolved   int // rover samples without a sync record
	Clamps       int
	Loops        int
	LatenessMean float64
	LatenessStd  float64
}

const maxLatenessSamples = 4096

// Scheduler replays Inputs in uptime order. Start, Tick, Resume and Run must
// be called from one goroutine; Stop may be called from any.
type Scheduler struct {
	opts  Options
	clock timeutil.Clock
	sink  Sink

	in     Inputs
	rovers []*logfile.Timeline[sample.Position]

	state    State
	min, max int64
	cursor   int64
	stop     atomic.Bool

	started   time.Time
	requested time.Duration
	lateness  []float64
	stats     Stats
}

// New builds a scheduler. Rover samples are placed on the uptime axis
// through their sync tables; samples whose receiver time was never recorded
// are skipped with a warning.
func New(in Inputs, opts Options, clock timeutil.Clock, sink Sink) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Scheduler{opts: opts.normalise(), clock: clock, sink: sink, in: in}
	for i, r := range in.Rovers {
		tl := logfile.NewTimeline[sample.Position]()
		s.rovers = append(s.rovers, tl)
		if r.Track == nil || r.Sync == nil {
			continue
		}
		for _, p := range r.Track.Samples() {
			c := r.Sync.UptimeAt(p.ITOW)
			if !c.OK() {
				s.stats.Unresolved++
				monitoring.Tracef("replay: rover %d (%s) iTOW %d: %v", i, r.Name, p.ITOW, c.Err())
				continue
			}
			if err := tl.Insert(int64(c.Value), p); err != nil {
				monitoring.Opsf("replay: rover %d (%s) iTOW %d skipped: %v", i, r.Name, p.ITOW, err)
			}
		}
	}
	if s.stats.Unresolved > 0 {
		monitoring.Opsf("replay: %d rover samples have no sync record and will not be replayed", s.stats.Unresolved)
	}
	return s
}

// State returns the lifecycle state.
func (s *Scheduler) State() State { return s.state }

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	if len(s.lateness) > 1 {
		st.LatenessMean, st.LatenessStd = stat.MeanStdDev(s.lateness, nil)
	}
	return st
}

// Loops returns how many times a looping replay has started over.
func (s *Scheduler) Loops() int { return s.stats.Loops }

// Bounds returns the earliest and latest event uptimes across all inputs.
func (s *Scheduler) Bounds() (first, last int64, ok bool) {
	consider := func(f, l int64, has bool) {
		if !has {
			return
		}
		if !ok || f < first {
			first = f
		}
		if !ok || l > last {
			last = l
		}
		ok = true
	}
	for _, tl := range s.rovers {
		consider(bounds(tl))
	}
	if s.in.Tags != nil {
		consider(bounds(s.in.Tags))
	}
	if s.in.Distances != nil {
		consider(bounds(s.in.Distances))
	}
	if s.in.Rounds != nil {
		consider(bounds(s.in.Rounds))
	}
	return first, last, ok
}

func bounds[T any](tl *logfile.Timeline[T]) (int64, int64, bool) {
	f, ok := tl.First()
	l, _ := tl.Last()
	return f, l, ok
}

// Start validates [min, max], resets the cursor and enters Running.
func (s *Scheduler) Start(min, max int64) error {
	if min >= max {
		return fmt.Errorf("%d..%d: %w", min, max, ErrInvalidRange)
	}
	if next, ok := s.nextAfter(min - 1); !ok || next > max {
		return fmt.Errorf("%d..%d: %w", min, max, ErrNoData)
	}
	s.min, s.max = min, max
	s.rewind()
	s.stop.Store(false)
	s.state = Running
	monitoring.Diagf("replay: started %d..%d at %.2fx", min, max, s.opts.Speed)
	return nil
}

func (s *Scheduler) rewind() {
	s.cursor = s.min - 1
	s.resetPacing()
}

func (s *Scheduler) resetPacing() {
	s.started = s.clock.Now()
	s.requested = 0
}

// Stop asks the scheduler to pause at the next tick boundary.
func (s *Scheduler) Stop() { s.stop.Store(true) }

// Resume continues a paused replay from the last emitted time.
func (s *Scheduler) Resume() error {
	if s.state != Paused {
		return fmt.Errorf("%w (state %s)", ErrNotPaused, s.state)
	}
	s.stop.Store(false)
	s.resetPacing()
	s.state = Running
	return nil
}

// Progress returns the share of the range consumed, 0 to 100.
func (s *Scheduler) Progress() float64 {
	if s.max <= s.min {
		return 0
	}
	pct := float64(s.cursor-s.min) / float64(s.max-s.min) * 100
	return max(0, min(100, pct))
}

// Tick emits every event at the next timestamp after the cursor and returns
// the wait before the following tick. done is true once the scheduler has
// left Running.
func (s *Scheduler) Tick() (delay time.Duration, done bool) {
	if s.state != Running {
		return 0, true
	}
	if s.stop.Load() {
		s.state = Paused
		monitoring.Diagf("replay: paused at %d (%.1f%%)", s.cursor, s.Progress())
		return 0, true
	}

	next, ok := s.nextAfter(s.cursor)
	if !ok || next > s.max {
		s.cursor = s.max
		s.report()
		if s.opts.Loop {
			s.stats.Loops++
			s.rewind()
			return 0, false
		}
		s.state = Finished
		monitoring.Diagf("replay: finished %d..%d", s.min, s.max)
		return 0, true
	}

	s.stats.Ticks++
	s.emitAt(next)
	s.cursor = next
	s.report()

	following, ok := s.nextAfter(next)
	if !ok || following > s.max {
		return 0, false
	}
	return s.pace(following - next), false
}

// pace converts a gap in uptime into a wall-clock wait, removing the error
// accumulated by earlier waits.
func (s *Scheduler) pace(gapMs int64) time.Duration {
	if s.opts.Speed >= s.opts.FastSpeed {
		return 0
	}
	want := time.Duration(float64(gapMs) * float64(time.Millisecond) / s.opts.Speed)

	drift := s.clock.Since(s.started) - s.requested
	s.recordLateness(drift)
	if drift > s.opts.MaxDrift || drift < -s.opts.MaxDrift {
		s.stats.Clamps++
		monitoring.Opsf("replay: timer error %s exceeds %s, resynchronising", drift, s.opts.MaxDrift)
		if drift > 0 {
			drift = s.opts.MaxDrift
		} else {
			drift = -s.opts.MaxDrift
		}
		s.requested = s.clock.Since(s.started) - drift
	}

	delay := want - drift
	if delay < 0 {
		delay = 0
	}
	if delay > s.opts.MaxStepDelay {
		delay = s.opts.MaxStepDelay
	}
	s.requested += delay
	return delay
}

func (s *Scheduler) recordLateness(d time.Duration) {
	if len(s.lateness) >= maxLatenessSamples {
		s.lateness = append(s.lateness[:0], s.lateness[maxLatenessSamples/2:]...)
	}
	s.lateness = append(s.lateness, float64(d)/float64(time.Millisecond))
}

func (s *Scheduler) report() {
	if s.sink != nil {
		s.sink.Progress(s.Progress())
	}
}

func (s *Scheduler) nextAfter(t int64) (int64, bool) {
	var (
		best  int64
		found bool
	)
	consider := func(k int64, ok bool) {
		if ok && (!found || k < best) {
			best, found = k, true
		}
	}
	for _, tl := range s.rovers {
		consider(tl.NextAfter(t))
	}
	if s.in.Tags != nil {
		consider(s.in.Tags.NextAfter(t))
	}
	if s.in.Distances != nil {
		consider(s.in.Distances.NextAfter(t))
	}
	if s.in.Rounds != nil {
		consider(s.in.Rounds.NextAfter(t))
	}
	return best, found
}

func (s *Scheduler) emitAt(t int64) {
	for i, tl := range s.rovers {
		if p, ok := tl.At(t); ok {
			s.emit(Event{Kind: KindRoverSample, Uptime: t, Rover: i, Sample: p})
		}
	}
	if s.in.Tags != nil {
		if tag, ok := s.in.Tags.At(t); ok {
			s.emit(Event{Kind: KindTag, Uptime: t, Tag: tag, Placement: s.place(t)})
		}
	}
	if s.in.Distances != nil {
		if d, ok := s.in.Distances.At(t); ok {
			s.emit(Event{Kind: KindDistance, Uptime: t, Distance: d, Placement: s.place(t)})
		}
	}
	if s.in.Rounds != nil {
		if r, ok := s.in.Rounds.At(t); ok {
			s.emit(Event{Kind: KindLidarRound, Uptime: t, Round: r})
		}
	}
}

func (s *Scheduler) emit(e Event) {
	s.stats.Emitted[e.Kind]++
	if s.sink != nil {
		s.sink.Emit(e)
	}
}

// place correlates uptime t on every rover and interpolates its track there.
func (s *Scheduler) place(t int64) []Placement {
	if len(s.in.Rovers) == 0 {
		return nil
	}
	out := make([]Placement, len(s.in.Rovers))
	for i, r := range s.in.Rovers {
		out[i].Rover = i
		if r.Sync == nil || r.Track == nil {
			continue
		}
		out[i].ITOW = r.Sync.Correlate(float64(t))
		if !out[i].ITOW.OK() {
			monitoring.Opsf("replay: uptime %d on rover %s: %v", t, r.Name, out[i].ITOW.Err())
			continue
		}
		p, err := r.Track.At(out[i].ITOW.Value)
		if err != nil {
			monitoring.Opsf("replay: uptime %d on rover %s: %v", t, r.Name, err)
			continue
		}
		out[i].Position = &p
	}
	return out
}

// Run ticks until the replay finishes, pauses or ctx is cancelled. Waits use
// the scheduler's clock; cancellation pauses the replay so it can be resumed.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		delay, done := s.Tick()
		if done {
			return nil
		}
		if delay <= 0 {
			if err := ctx.Err(); err != nil {
				s.state = Paused
				return err
			}
			continue
		}
		t := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.state = Paused
			return ctx.Err()
		case <-t.C():
		}
	}
}
