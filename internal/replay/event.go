// Package replay re-emits a logged session in original relative timing.
//
// The scheduler merges the four logged containers (rover samples, tags,
// distances and lidar rounds) on the host uptime axis and steps through them
// one timestamp at a time. Pacing is computed per step and corrected for
// accumulated timer error, so replays stay in time without busy-waiting.
package replay

import (
	"fmt"

	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/sample"
	"github.com/banshee-data/roverlog/internal/timesync"
)

// Kind identifies the container an event came from.
type Kind int

const (
	KindRoverSample Kind = iota
	KindTag
	KindDistance
	KindLidarRound
)

func (k Kind) String() string {
	switch k {
	case KindRoverSample:
		return "rover"
	case KindTag:
		return "tag"
	case KindDistance:
		return "distance"
	case KindLidarRound:
		return "lidar"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Placement locates a host-clock event on one rover's timeline. Position is
// nil when the receiver time could not be correlated or interpolated.
type Placement struct {
	Rover    int
	ITOW     timesync.Correlation
	Position *sample.Position
}

// Event is one replayed record. Only the field matching Kind is set; tag and
// distance events also carry their placement on every rover.
type Event struct {
	Kind   Kind
	Uptime int64

	Rover    int
	Sample   sample.Position
	Tag      logfile.Tag
	Distance logfile.Distance
	Round    *logfile.LidarRound

	Placement []Placement
}

func (e Event) String() string {
	switch e.Kind {
	case KindRoverSample:
		return fmt.Sprintf("%d rover %d %s", e.Uptime, e.Rover, e.Sample)
	case KindTag:
		return fmt.Sprintf("%d tag %q", e.Uptime, e.Tag.Name)
	case KindDistance:
		return fmt.Sprintf("%d distance %.3fm", e.Uptime, e.Distance.Metres)
	case KindLidarRound:
		return fmt.Sprintf("%d lidar round %d..%d (%d points)", e.Uptime, e.Round.Start, e.Round.End, len(e.Round.Points))
	}
	return fmt.Sprintf("%d %s", e.Uptime, e.Kind)
}

// Sink receives replayed events and progress.
type Sink interface {
	Emit(Event)
	Progress(pct float64)
}

// SinkFunc adapts a function to Sink, ignoring progress.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event)     { f(e) }
func (f SinkFunc) Progress(float64) {}

// RoverLog is one rover's logged track with the sync table that maps its
// receiver times to host uptime.
type RoverLog struct {
	Name  string
	Track *sample.Track
	Sync  *timesync.Table
}

// Inputs are the logged containers of one session. Any of them may be nil.
type Inputs struct {
	Rovers    []RoverLog
	Tags      *logfile.Timeline[logfile.Tag]
	Distances *logfile.Timeline[logfile.Distance]
	Rounds    *logfile.Timeline[*logfile.LidarRound]
}
