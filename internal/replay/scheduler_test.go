package replay

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/sample"
	"github.com/banshee-data/roverlog/internal/timesync"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

type recorder struct {
	events   []Event
	progress []float64
}

func (r *recorder) Emit(e Event)         { r.events = append(r.events, e) }
func (r *recorder) Progress(pct float64) { r.progress = append(r.progress, pct) }

func tagsAt(t *testing.T, uptimes ...int64) *logfile.Timeline[logfile.Tag] {
	t.Helper()
	tl := logfile.NewTimeline[logfile.Tag]()
	for _, u := range uptimes {
		require.NoError(t, tl.Insert(u, logfile.Tag{Uptime: u, Name: "t"}))
	}
	return tl
}

func newMockClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

// session has one rover sampled every 125 ms from uptime 100, plus a tag, a
// distance and a lidar round.
func session(t *testing.T) Inputs {
	t.Helper()
	track := sample.NewTrack()
	sync := timesync.NewTable()
	for i := int64(0); i < 4; i++ {
		itow := 5000 + i*125
		track.Add(sample.Position{ITOW: itow, Rel: [3]float64{float64(i), 0, 0}, Valid: true})
		if i < 3 {
			sync.Add(timesync.Record{Uptime: 100 + i*125, ITOW: itow})
		}
	}

	dists := logfile.NewTimeline[logfile.Distance]()
	require.NoError(t, dists.Insert(225, logfile.Distance{Uptime: 225, Metres: 4.5}))
	rounds := logfile.NewTimeline[*logfile.LidarRound]()
	require.NoError(t, rounds.Insert(300, &logfile.LidarRound{Start: 200, End: 300}))

	return Inputs{
		Rovers:    []RoverLog{{Name: "A", Track: track, Sync: sync}},
		Tags:      tagsAt(t, 150, 400),
		Distances: dists,
		Rounds:    rounds,
	}
}

func TestStartValidatesRange(t *testing.T) {
	s := New(Inputs{Tags: tagsAt(t, 100)}, Options{}, newMockClock(), nil)
	assert.ErrorIs(t, s.Start(200, 100), ErrInvalidRange)
	assert.ErrorIs(t, s.Start(100, 100), ErrInvalidRange)
	assert.ErrorIs(t, s.Start(101, 500), ErrNoData)
	assert.ErrorIs(t, s.Start(0, 99), ErrNoData)
	assert.Equal(t, Idle, s.State())
	require.NoError(t, s.Start(100, 500))
	assert.Equal(t, Running, s.State())

	empty := New(Inputs{}, Options{}, newMockClock(), nil)
	assert.ErrorIs(t, empty.Start(0, 1), ErrNoData)
}

func TestMergedOrder(t *testing.T) {
	rec := &recorder{}
	s := New(session(t), Options{FastSpeed: 1}, newMockClock(), rec)
	assert.Equal(t, 1, s.Stats().Unresolved)

	first, last, ok := s.Bounds()
	require.True(t, ok)
	assert.Equal(t, int64(100), first)
	assert.Equal(t, int64(400), last)

	require.NoError(t, s.Start(first, last))
	for {
		delay, done := s.Tick()
		assert.Zero(t, delay)
		if done {
			break
		}
	}
	assert.Equal(t, Finished, s.State())

	type got struct {
		Kind   Kind
		Uptime int64
	}
	var seq []got
	for _, e := range rec.events {
		seq = append(seq, got{e.Kind, e.Uptime})
	}
	want := []got{
		{KindRoverSample, 100},
		{KindTag, 150},
		{KindRoverSample, 225},
		{KindDistance, 225},
		{KindLidarRound, 300},
		{KindRoverSample, 350},
		{KindTag, 400},
	}
	if diff := cmp.Diff(want, seq); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100.0, rec.progress[len(rec.progress)-1])
	assert.Equal(t, [4]int{3, 2, 1, 1}, s.Stats().Emitted)
}

func TestTagPlacement(t *testing.T) {
	rec := &recorder{}
	s := New(session(t), Options{FastSpeed: 1}, newMockClock(), rec)
	require.NoError(t, s.Start(150, 400))
	s.Tick()

	require.Len(t, rec.events, 1)
	e := rec.events[0]
	require.Equal(t, KindTag, e.Kind)
	require.Len(t, e.Placement, 1)
	pl := e.Placement[0]
	require.True(t, pl.ITOW.OK())
	assert.InDelta(t, 5050, pl.ITOW.Value, 1e-9)
	require.NotNil(t, pl.Position)
	assert.InDelta(t, 0.4, pl.Position.Rel[sample.North], 1e-9)

	// Uptime 400 is past the last sync record.
	for {
		if _, done := s.Tick(); done {
			break
		}
	}
	last := rec.events[len(rec.events)-1]
	require.Equal(t, KindTag, last.Kind)
	assert.Equal(t, timesync.CorrelationUnavailable, last.Placement[0].ITOW.Outcome)
	assert.Nil(t, last.Placement[0].Position)
}

func TestPacing(t *testing.T) {
	clk := newMockClock()
	s := New(Inputs{Tags: tagsAt(t, 0, 100, 300)}, Options{}, clk, nil)
	require.NoError(t, s.Start(0, 300))

	delay, done := s.Tick()
	require.False(t, done)
	assert.Equal(t, 100*time.Millisecond, delay)

	// The timer fires 10 ms late; the next wait absorbs it.
	clk.Advance(110 * time.Millisecond)
	delay, done = s.Tick()
	require.False(t, done)
	assert.Equal(t, 190*time.Millisecond, delay)
	assert.InDelta(t, 33.33, s.Progress(), 0.01)

	clk.Advance(delay)
	delay, done = s.Tick()
	require.False(t, done)
	assert.Zero(t, delay)

	_, done = s.Tick()
	assert.True(t, done)
	assert.Equal(t, Finished, s.State())
	assert.Equal(t, 100.0, s.Progress())
}

func TestPacingOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		gaps []int64
		want time.Duration
	}{
		{"double speed", Options{Speed: 2}, []int64{0, 100}, 50 * time.Millisecond},
		{"half speed", Options{Speed: 0.5}, []int64{0, 100}, 200 * time.Millisecond},
		{"fast", Options{Speed: 1000}, []int64{0, 100}, 0},
		{"custom fast threshold", Options{Speed: 50, FastSpeed: 10}, []int64{0, 100}, 0},
		{"step cap", Options{}, []int64{0, 60000}, DefaultMaxStepDelay},
		{"custom step cap", Options{MaxStepDelay: time.Second}, []int64{0, 3000}, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Inputs{Tags: tagsAt(t, tt.gaps...)}, tt.opts, newMockClock(), nil)
			require.NoError(t, s.Start(tt.gaps[0], tt.gaps[len(tt.gaps)-1]))
			delay, _ := s.Tick()
			assert.Equal(t, tt.want, delay)
		})
	}
}

func TestPacingClampsStall(t *testing.T) {
	clk := newMockClock()
	s := New(Inputs{Tags: tagsAt(t, 0, 100, 300, 400)}, Options{}, clk, nil)
	require.NoError(t, s.Start(0, 400))

	delay, _ := s.Tick()
	require.Equal(t, 100*time.Millisecond, delay)

	clk.Advance(3 * time.Second)
	delay, _ = s.Tick()
	assert.Zero(t, delay)
	assert.Equal(t, 1, s.Stats().Clamps)

	// Only MaxDrift of the stall is carried forward.
	delay, _ = s.Tick()
	assert.Zero(t, delay)
	assert.Equal(t, 1, s.Stats().Clamps)
}

func TestStopAndResume(t *testing.T) {
	rec := &recorder{}
	s := New(Inputs{Tags: tagsAt(t, 10, 20, 30, 40)}, Options{Speed: 1000}, newMockClock(), rec)
	require.NoError(t, s.Start(10, 40))

	s.Tick()
	s.Tick()
	s.Stop()
	_, done := s.Tick()
	assert.True(t, done)
	assert.Equal(t, Paused, s.State())
	assert.Len(t, rec.events, 2)

	_, done = s.Tick()
	assert.True(t, done)
	assert.Len(t, rec.events, 2)

	require.NoError(t, s.Resume())
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)
	for {
		if _, done := s.Tick(); done {
			break
		}
	}
	var uptimes []int64
	for _, e := range rec.events {
		uptimes = append(uptimes, e.Uptime)
	}
	assert.Equal(t, []int64{10, 20, 30, 40}, uptimes)
}

func TestLoop(t *testing.T) {
	rec := &recorder{}
	s := New(Inputs{Tags: tagsAt(t, 1, 2)}, Options{Speed: 1000, Loop: true}, newMockClock(), rec)
	require.NoError(t, s.Start(1, 2))
	for i := 0; i < 6; i++ {
		_, done := s.Tick()
		require.False(t, done)
	}
	var uptimes []int64
	for _, e := range rec.events {
		uptimes = append(uptimes, e.Uptime)
	}
	assert.Equal(t, []int64{1, 2, 1, 2}, uptimes)
	assert.Equal(t, 2, s.Stats().Loops)
	assert.Equal(t, Running, s.State())
}

func TestReplayDeterministic(t *testing.T) {
	run := func(seed int64) []Event {
		clk := newMockClock()
		rec := &recorder{}
		s := New(session(t), Options{Speed: 1.5}, clk, rec)
		require.NoError(t, s.Start(0, 1000))
		rng := rand.New(rand.NewSource(seed))
		for {
			delay, done := s.Tick()
			if done {
				break
			}
			clk.Advance(delay + time.Duration(rng.Intn(20))*time.Millisecond)
		}
		return rec.events
	}

	first := run(1)
	second := run(2)
	require.NotEmpty(t, first)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("replays differ (-first +second):\n%s", diff)
	}
}

func TestRun(t *testing.T) {
	clk := newMockClock()
	rec := &recorder{}
	s := New(Inputs{Tags: tagsAt(t, 0, 100, 300)}, Options{}, clk, rec)
	require.NoError(t, s.Start(0, 300))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return clk.ActiveTimers() == 1 }, time.Second, time.Millisecond)
		clk.Advance(200 * time.Millisecond)
	}
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not finish")
	}
	assert.Len(t, rec.events, 3)
	assert.Equal(t, Finished, s.State())
}

func TestRunCancel(t *testing.T) {
	clk := newMockClock()
	s := New(Inputs{Tags: tagsAt(t, 0, 10000)}, Options{}, clk, nil)
	require.NoError(t, s.Start(0, 10000))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return clk.ActiveTimers() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}
	assert.Equal(t, Paused, s.State())
	require.NoError(t, s.Resume())
}
