package logfile

import (
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/roverlog/internal/demux"
	"github.com/banshee-data/roverlog/internal/sample"
)

// RoverLogStats summarises a raw receiver capture.
type RoverLogStats struct {
	Demux      demux.Stats
	Samples    int
	Duplicates int
	Undecoded  int // RELPOSNED frames that failed to decode
}

// ReadRoverLog replays a raw receiver capture through the demultiplexer and
// collects every RELPOSNED fix into a track.
func ReadRoverLog(r io.Reader, opts demux.Options) (*sample.Track, RoverLogStats, error) {
	var st RoverLogStats
	track := sample.NewTrack()
	d := demux.New(opts, demux.Handler{
		OnFrame: func(f demux.Frame) {
			u, ok := f.(demux.UBX)
			if !ok || !sample.IsRelPosNED(u.Class, u.ID) {
				return
			}
			p, err := sample.DecodeRelPosNED(u.Payload)
			if err != nil {
				st.Undecoded++
				return
			}
			st.Samples++
			if !track.Add(p) {
				st.Duplicates++
			}
		},
	})
	if _, err := io.Copy(d, r); err != nil {
		return nil, st, fmt.Errorf("failed to read rover log: %w", err)
	}
	d.Flush()
	st.Demux = d.Stats()
	return track, st, nil
}

// LoadRoverLog opens and reads a raw receiver capture.
func LoadRoverLog(path string, opts demux.Options) (*sample.Track, RoverLogStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, RoverLogStats{}, fmt.Errorf("failed to open rover log: %w", err)
	}
	defer f.Close()
	return ReadRoverLog(f, opts)
}
