package timeutil

import (
	"math"
	"time"
)

// Uptime is the host-process monotonic millisecond counter. Every non-GNSS
// event (bursts, tags, distances, lidar rounds) is stamped with it.
type Uptime struct {
	clock Clock
	start time.Time
}

// NewUptime starts an uptime counter at zero on the given clock.
func NewUptime(c Clock) *Uptime {
	if c == nil {
		c = RealClock{}
	}
	return &Uptime{clock: c, start: c.Now()}
}

// Millis returns the milliseconds elapsed since the counter started.
func (u *Uptime) Millis() int64 {
	return u.clock.Since(u.start).Milliseconds()
}

// At converts a wall-clock instant into uptime milliseconds.
func (u *Uptime) At(t time.Time) int64 {
	return t.Sub(u.start).Milliseconds()
}

// Millis converts a millisecond count into a time.Duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// FractionalMillis converts a possibly fractional millisecond count into a
// time.Duration, rounding to the nearest nanosecond.
func FractionalMillis(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
