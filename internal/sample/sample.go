// Package sample holds the rover position fix used for synchronisation and
// the linear time interpolation consumed by the geometric solver.
package sample

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrOutOfRange is returned when no pair of samples brackets the requested
// receiver time.
var ErrOutOfRange = errors.New("receiver time outside sampled range")

// Axis indices for Rel and Acc.
const (
	North = iota
	East
	Down
)

// Position is a relative position fix in north/east/down metres with per-axis
// accuracy. Values are immutable once constructed; pass by value.
type Position struct {
	ITOW  int64 // receiver time of week, ms
	Rel   [3]float64
	Acc   [3]float64
	Valid bool
}

func (p Position) String() string {
	return fmt.Sprintf("iTOW=%d N=%.4f E=%.4f D=%.4f valid=%t", p.ITOW, p.Rel[North], p.Rel[East], p.Rel[Down], p.Valid)
}

// Interpolate returns the sample at target receiver time by linear
// interpolation between lower and upper. Every numeric field, the time
// included, moves by the same fraction. An interpolated fix is valid only
// when both ends are. The caller must ensure
// lower.ITOW != upper.ITOW; Track.At guards that case.
func Interpolate(lower, upper Position, target float64) Position {
	f := (target - float64(lower.ITOW)) / float64(upper.ITOW-lower.ITOW)
	out := Position{
		ITOW:  int64(math.Round(lerp(float64(lower.ITOW), float64(upper.ITOW), f))),
		Valid: lower.Valid && upper.Valid,
	}
	switch f {
	case 0:
		out.Valid = lower.Valid
	case 1:
		out.Valid = upper.Valid
	}
	for i := 0; i < 3; i++ {
		out.Rel[i] = lerp(lower.Rel[i], upper.Rel[i], f)
		out.Acc[i] = lerp(lower.Acc[i], upper.Acc[i], f)
	}
	return out
}

func lerp(a, b, f float64) float64 {
	if f == 0 {
		return a
	}
	if f == 1 {
		return b
	}
	return a + (b-a)*f
}

// Track is the receiver-time ordered history of one rover's fixes.
type Track struct {
	samples []Position
}

// NewTrack returns an empty track.
func NewTrack() *Track {
	return &Track{}
}

// Add inserts p in receiver-time order. A sample at an existing time
// replaces the earlier one and reports false.
func (t *Track) Add(p Position) bool {
	n := len(t.samples)
	if n == 0 || t.samples[n-1].ITOW < p.ITOW {
		t.samples = append(t.samples, p)
		return true
	}
	i := sort.Search(n, func(i int) bool { return t.samples[i].ITOW >= p.ITOW })
	if t.samples[i].ITOW == p.ITOW {
		t.samples[i] = p
		return false
	}
	t.samples = append(t.samples, Position{})
	copy(t.samples[i+1:], t.samples[i:])
	t.samples[i] = p
	return true
}

// Len returns the number of samples.
func (t *Track) Len() int { return len(t.samples) }

// Samples returns the samples in receiver-time order. The slice must not be
// modified.
func (t *Track) Samples() []Position { return t.samples }

// Bounds returns the first and last receiver times.
func (t *Track) Bounds() (first, last int64, ok bool) {
	if len(t.samples) == 0 {
		return 0, 0, false
	}
	return t.samples[0].ITOW, t.samples[len(t.samples)-1].ITOW, true
}

// At returns the fix at receiver time itow, interpolating between the
// bracketing samples.
func (t *Track) At(itow float64) (Position, error) {
	n := len(t.samples)
	i := sort.Search(n, func(i int) bool { return float64(t.samples[i].ITOW) >= itow })
	if i == n {
		return Position{}, fmt.Errorf("iTOW %.1f after last sample: %w", itow, ErrOutOfRange)
	}
	upper := t.samples[i]
	if float64(upper.ITOW) == itow {
		return upper, nil
	}
	if i == 0 {
		return Position{}, fmt.Errorf("iTOW %.1f before first sample: %w", itow, ErrOutOfRange)
	}
	return Interpolate(t.samples[i-1], upper, itow), nil
}
