package timesync

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ErrNotEnoughRecords is returned when drift cannot be fitted.
var ErrNotEnoughRecords = errors.New("need at least two records with distinct uptimes")

// Drift is a least-squares fit of receiver time against uptime:
// iTOW ≈ Offset + Slope*uptime.
type Drift struct {
	N      int
	Span   time.Duration
	Slope  float64
	Offset float64
	PPM    float64 // (Slope-1) in parts per million
	RMS    float64 // residual, ms
	R2     float64
}

func (d Drift) String() string {
	return fmt.Sprintf("n=%d span=%s rate=%+.2fppm offset=%.1fms rms=%.3fms", d.N, d.Span, d.PPM, d.Offset, d.RMS)
}

// EstimateDrift fits records. They should come from one receiver epoch; a
// week rollover inside the set spoils the fit.
func EstimateDrift(records []Record) (Drift, error) {
	if len(records) < 2 {
		return Drift{}, ErrNotEnoughRecords
	}
	u0, i0 := records[0].Uptime, records[0].ITOW
	x := make([]float64, len(records))
	y := make([]float64, len(records))
	minU, maxU := records[0].Uptime, records[0].Uptime
	for k, r := range records {
		x[k] = float64(r.Uptime - u0)
		y[k] = float64(r.ITOW - i0)
		minU = min(minU, r.Uptime)
		maxU = max(maxU, r.Uptime)
	}
	if minU == maxU {
		return Drift{}, ErrNotEnoughRecords
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)

	var ss float64
	for k := range x {
		r := y[k] - (alpha + beta*x[k])
		ss += r * r
	}
	return Drift{
		N:      len(records),
		Span:   time.Duration(maxU-minU) * time.Millisecond,
		Slope:  beta,
		Offset: float64(i0) + alpha - beta*float64(u0),
		PPM:    (beta - 1) * 1e6,
		RMS:    math.Sqrt(ss / float64(len(x))),
		R2:     stat.RSquared(x, y, nil, alpha, beta),
	}, nil
}
