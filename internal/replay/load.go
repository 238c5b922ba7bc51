package replay

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/banshee-data/roverlog/internal/demux"
	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/sample"
	"github.com/banshee-data/roverlog/internal/timesync"
)

// LoadSession reads a recorded session directory. Every rover needs its raw
// capture and sync log; tags, distances and lidar rounds are optional. Data
// warnings are logged and the offending lines skipped.
//
// aligner must be the one the session was recorded with. Live sync logs hold
// aligned receiver times while raw captures hold the receiver's own, so the
// capture's fixes are aligned the same way before they are keyed on the sync
// table. A nil aligner leaves both as read.
func LoadSession(dir string, names []string, opts demux.Options, aligner *timesync.Aligner) (Inputs, error) {
	var in Inputs
	for _, name := range names {
		rl, err := loadRover(dir, name, opts, aligner)
		if err != nil {
			return Inputs{}, err
		}
		in.Rovers = append(in.Rovers, rl)
	}

	tags, warnings, err := logfile.LoadTags(filepath.Join(dir, logfile.TagsFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Inputs{}, err
	default:
		in.Tags = tags
		logWarnings(warnings)
	}

	distances, warnings, err := logfile.LoadDistances(filepath.Join(dir, logfile.DistancesFile), logfile.DefaultMaxDistance)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Inputs{}, err
	default:
		in.Distances = distances
		logWarnings(warnings)
	}

	rounds, warnings, err := logfile.LoadLidar(filepath.Join(dir, logfile.LidarFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Inputs{}, err
	default:
		in.Rounds = rounds
		logWarnings(warnings)
	}
	return in, nil
}

func loadRover(dir, name string, opts demux.Options, aligner *timesync.Aligner) (RoverLog, error) {
	track, st, err := logfile.LoadRoverLog(filepath.Join(dir, logfile.RoverLogFileName(name)), opts)
	if err != nil {
		return RoverLog{}, err
	}
	monitoring.Diagf("%s: %d fixes from %d frames, %d parse errors, %d duplicates",
		name, st.Samples, st.Demux.Frames, st.Demux.ParseErrors, st.Duplicates)

	recs, warnings, err := logfile.LoadSync(filepath.Join(dir, logfile.SyncFileName(name)))
	if err != nil {
		return RoverLog{}, err
	}
	logWarnings(warnings)
	if aligner != nil {
		track = alignTrack(name, track, *aligner)
	}
	table := timesync.NewTable()
	for _, rec := range recs {
		if aligner != nil {
			rec.ITOW, _, _ = aligner.Align(rec.ITOW)
		}
		for _, w := range table.Add(rec) {
			monitoring.Opsf("%s: %s", name, w)
		}
	}
	if table.Len() == 0 {
		return RoverLog{}, fmt.Errorf("%s: %w", name, ErrNoData)
	}
	return RoverLog{Name: name, Track: track, Sync: table}, nil
}

// alignTrack rebuilds track on aligned receiver times. Fixes too far from the
// grid keep their time, as they do live.
func alignTrack(name string, track *sample.Track, a timesync.Aligner) *sample.Track {
	out := sample.NewTrack()
	adjusted := 0
	for _, p := range track.Samples() {
		aligned, moved, _ := a.Align(p.ITOW)
		if moved {
			adjusted++
			p.ITOW = aligned
		}
		if !out.Add(p) {
			monitoring.Opsf("%s: iTOW %d collides with an earlier fix after alignment", name, p.ITOW)
		}
	}
	if adjusted > 0 {
		monitoring.Diagf("%s: aligned %d of %d fixes to the %d ms grid", name, adjusted, track.Len(), a.IntervalMs)
	}
	return out
}

func logWarnings(ws []logfile.Warning) {
	for _, w := range ws {
		monitoring.Opsf("%s", w)
	}
}
