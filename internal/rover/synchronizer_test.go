package rover

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roverlog/internal/sample"
)

func pos(itow int64) sample.Position {
	return sample.Position{ITOW: itow, Rel: [3]float64{float64(itow), 0, 0}, Valid: true}
}

func TestNewSynchronizerRoverCount(t *testing.T) {
	_, err := NewSynchronizer([]string{"a"}, Options{}, nil)
	assert.Error(t, err)
	_, err = NewSynchronizer([]string{"a", "b", "c", "d"}, Options{}, nil)
	assert.Error(t, err)

	s, err := NewSynchronizer([]string{"a", "b"}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, DefaultQueueLimit, s.limit)
}

func TestSynchronizerMissingSample(t *testing.T) {
	var (
		published []int64
		s         *Synchronizer
		err       error
	)
	s, err = NewSynchronizer([]string{"A", "B", "C"}, Options{}, func(m Match) {
		published = append(published, m.ITOW)
		if m.ITOW == 1250 {
			// B never held 1125, and nothing older than 1250 survives anywhere.
			for i := 0; i < 3; i++ {
				assert.Zero(t, s.Rover(i).Queue.Len())
			}
		}
	})
	require.NoError(t, err)

	for _, itow := range []int64{1000, 1125, 1250} {
		for rover := 0; rover < 3; rover++ {
			if rover == 1 && itow == 1125 {
				continue
			}
			s.Push(rover, pos(itow))
		}
	}

	assert.Equal(t, []int64{1000, 1250}, published)
	assert.Equal(t, []int{0, 0, 0}, s.QueueLens())
	last, ok := s.LastMatched()
	require.True(t, ok)
	assert.Equal(t, int64(1250), last)

	st := s.Stats()
	assert.Equal(t, 2, st.Matched)
	assert.Equal(t, 2, st.Discarded)
	require.NotNil(t, s.Rover(1).LastMatched)
	assert.Equal(t, int64(1250), s.Rover(1).LastMatched.ITOW)
}

func TestSynchronizerMatchCarriesOneSamplePerRover(t *testing.T) {
	s, err := NewSynchronizer([]string{"A", "B"}, Options{}, nil)
	require.NoError(t, err)

	assert.Empty(t, s.Push(0, pos(500)))
	matches := s.Push(1, pos(500))
	require.Len(t, matches, 1)
	assert.Equal(t, int64(500), matches[0].ITOW)
	require.Len(t, matches[0].Samples, 2)
	for _, p := range matches[0].Samples {
		assert.Equal(t, int64(500), p.ITOW)
	}
}

func TestSynchronizerResolvesSeveralMatchesInOnePush(t *testing.T) {
	s, err := NewSynchronizer([]string{"A", "B"}, Options{}, nil)
	require.NoError(t, err)

	for _, itow := range []int64{100, 200, 300} {
		s.Push(0, pos(itow))
	}
	s.Push(1, pos(100))
	s.Push(1, pos(200))
	matches := s.Push(1, pos(300))
	require.Len(t, matches, 1)
	assert.Equal(t, int64(300), matches[0].ITOW)

	// One rover running ahead of the other.
	s2, err := NewSynchronizer([]string{"A", "B"}, Options{}, nil)
	require.NoError(t, err)
	s2.Push(1, pos(400))
	s2.Push(1, pos(500))
	s2.Push(0, pos(400))
	assert.Equal(t, []int{0, 1}, s2.QueueLens())
	matches = s2.Push(0, pos(500))
	require.Len(t, matches, 1)
	assert.Equal(t, int64(500), matches[0].ITOW)
}

func TestSynchronizerDropsStaleArrivals(t *testing.T) {
	s, err := NewSynchronizer([]string{"A", "B"}, Options{}, nil)
	require.NoError(t, err)

	s.Push(0, pos(1000))
	s.Push(1, pos(1000))
	assert.Empty(t, s.Push(0, pos(875)))
	assert.Empty(t, s.Push(0, pos(1000)))
	assert.Equal(t, []int{0, 0}, s.QueueLens())
	assert.Equal(t, 2, s.Stats().Stale)
}

func TestSynchronizerQueueLimit(t *testing.T) {
	s, err := NewSynchronizer([]string{"A", "B"}, Options{QueueLimit: 10}, nil)
	require.NoError(t, err)

	for i := int64(0); i < 25; i++ {
		s.Push(0, pos(i*125))
	}
	assert.Equal(t, []int{10, 0}, s.QueueLens())
	assert.Equal(t, 15, s.Stats().Trimmed)

	head, ok := s.Rover(0).Queue.Head()
	require.True(t, ok)
	assert.Equal(t, int64(15*125), head.ITOW)
}

func TestSynchronizerWeekRollover(t *testing.T) {
	var epochs []int
	s, err := NewSynchronizer([]string{"A", "B"}, Options{}, func(m Match) {
		epochs = append(epochs, m.Epoch)
	})
	require.NoError(t, err)

	end := int64(weekMs - 125)
	s.Push(0, pos(end))
	s.Push(1, pos(end))

	s.Push(0, pos(0))
	matches := s.Push(1, pos(0))
	require.Len(t, matches, 1)
	assert.Equal(t, int64(0), matches[0].ITOW)
	assert.Equal(t, []int{0, 1}, epochs)
	assert.Equal(t, 1, s.Stats().Resets)
}

func TestSynchronizerRestartAcceptsEarlierTimes(t *testing.T) {
	var epochs []int
	s, err := NewSynchronizer([]string{"A", "B"}, Options{}, func(m Match) {
		epochs = append(epochs, m.Epoch)
	})
	require.NoError(t, err)

	s.Push(0, pos(1000))
	s.Push(1, pos(1000))
	s.Push(0, pos(1125))
	assert.Nil(t, s.Push(0, pos(1000)))
	assert.Equal(t, 1, s.Stats().Stale)

	s.Restart()
	assert.Equal(t, []int{0, 0}, s.QueueLens())
	s.Push(0, pos(1000))
	matches := s.Push(1, pos(1000))
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1000), matches[0].ITOW)
	assert.Equal(t, []int{0, 1}, epochs)
}

func TestSynchronizerMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, rovers := range []int{2, 3} {
		names := []string{"A", "B", "C"}[:rovers]
		var last int64 = -1
		s, err := NewSynchronizer(names, Options{}, func(m Match) {
			assert.Greater(t, m.ITOW, last)
			assert.Len(t, m.Samples, rovers)
			for _, p := range m.Samples {
				assert.Equal(t, m.ITOW, p.ITOW)
			}
			last = m.ITOW
		})
		require.NoError(t, err)

		// Each rover emits every 125 ms with random gaps; arrivals interleave
		// randomly across rovers but stay ordered within a rover.
		pending := make([][]int64, rovers)
		for r := range pending {
			for i := int64(0); i < 400; i++ {
				if rng.Intn(10) == 0 {
					continue
				}
				pending[r] = append(pending[r], 1000+i*125)
			}
		}
		for {
			var live []int
			for r := range pending {
				if len(pending[r]) > 0 {
					live = append(live, r)
				}
			}
			if len(live) == 0 {
				break
			}
			r := live[rng.Intn(len(live))]
			s.Push(r, pos(pending[r][0]))
			pending[r] = pending[r][1:]

			if lm, ok := s.LastMatched(); ok {
				for i := 0; i < rovers; i++ {
					for _, p := range s.Rover(i).Queue.Snapshot() {
						assert.Greater(t, p.ITOW, lm)
					}
				}
			}
		}
		assert.Positive(t, s.Stats().Matched)
	}
}

func TestQueue(t *testing.T) {
	var q Queue
	_, ok := q.Pop()
	assert.False(t, ok)

	for i := int64(0); i < 200; i++ {
		q.Push(pos(i))
	}
	for i := int64(0); i < 150; i++ {
		p, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, p.ITOW)
	}
	assert.Equal(t, 50, q.Len())
	assert.Equal(t, 40, q.TrimTo(10))
	head, _ := q.Head()
	assert.Equal(t, int64(190), head.ITOW)
	assert.Zero(t, q.TrimTo(20))
	q.Clear()
	assert.Zero(t, q.Len())
}
