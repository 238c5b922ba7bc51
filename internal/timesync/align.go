package timesync

// Aligner snaps receiver times onto the expected sampling grid. A value
// within ThresholdMs of a multiple of IntervalMs is moved onto it; values
// further away are kept and flagged. A zero interval disables alignment.
type Aligner struct {
	IntervalMs  int64
	ThresholdMs int64
}

// Align returns the value to index. adjusted reports a snap, flagged a value
// too far from the grid to snap.
func (a Aligner) Align(itow int64) (aligned int64, adjusted, flagged bool) {
	if a.IntervalMs <= 0 {
		return itow, false, false
	}
	rem := itow % a.IntervalMs
	if rem < 0 {
		rem += a.IntervalMs
	}
	if rem == 0 {
		return itow, false, false
	}
	nearest := itow - rem
	dist := rem
	if up := a.IntervalMs - rem; up < rem {
		nearest = itow + up
		dist = up
	}
	if dist <= a.ThresholdMs {
		return nearest, true, false
	}
	return itow, false, true
}
