package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/roverlog/internal/config"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/replay"
	"github.com/banshee-data/roverlog/internal/rover"
	"github.com/banshee-data/roverlog/internal/store"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

func runReplay(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Configuration file (.json, .yaml)")
	dir := fs.String("dir", "", "Recorded session directory (required)")
	speed := fs.Float64("speed", 0, "Playback rate (overrides config)")
	minUptime := fs.Int64("min", math.MinInt64, "First uptime to replay, ms (default: start of session)")
	maxUptime := fs.Int64("max", math.MaxInt64, "Last uptime to replay, ms (default: end of session)")
	loop := fs.Bool("loop", false, "Restart from -min when the range is exhausted")
	quiet := fs.Bool("quiet", false, "Do not print events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		fs.Usage()
		return fmt.Errorf("-dir is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	closeLogs, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	names := cfg.Names()
	in, err := replay.LoadSession(*dir, names, cfg.GetDemuxOptions(), cfg.GetAligner())
	if err != nil {
		return err
	}

	opts := cfg.GetReplayOptions()
	if *speed > 0 {
		opts.Speed = *speed
	}
	if *loop {
		opts.Loop = true
	}

	sink := &printSink{w: stdout, quiet: *quiet}
	if path := cfg.GetStorePath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()
		sess, err := st.BeginSession(store.KindReplay, names)
		if err != nil {
			return err
		}
		rec := st.Recorder(sess)
		sink.sync, err = rover.NewSynchronizer(names, cfg.GetSyncOptions(), func(m rover.Match) {
			if err := rec.RecordMatch(m); err != nil {
				monitoring.Opsf("replay: %v", err)
			}
		})
		if err != nil {
			return err
		}
		monitoring.Diagf("replay: recording matches to session %s", sess.ID)
	}

	sched := replay.New(in, opts, timeutil.RealClock{}, sink)
	sink.sched = sched
	first, last, ok := sched.Bounds()
	if !ok {
		return replay.ErrNoData
	}
	lo, hi := max(*minUptime, first), min(*maxUptime, last)
	if err := sched.Start(lo, hi); err != nil {
		return err
	}
	err = sched.Run(ctx)

	stats := sched.Stats()
	fmt.Fprintf(stdout, "replayed %d..%d: %d steps, %d unresolved, %d clamps, lateness %.1f±%.1f ms\n",
		lo, hi, stats.Ticks, stats.Unresolved, stats.Clamps, stats.LatenessMean, stats.LatenessStd)
	if sink.sync != nil {
		fmt.Fprintf(stdout, "matched %d tuples\n", sink.sync.Stats().Matched)
	}
	return err
}

// printSink writes each event on its own line and, when sync is set, feeds
// replayed fixes through a synchroniser. Each pass of a looping replay starts
// the synchroniser on a new epoch.
type printSink struct {
	w     io.Writer
	quiet bool
	sync  *rover.Synchronizer
	sched *replay.Scheduler
	loops int
	last  int
}

func (p *printSink) Emit(e replay.Event) {
	if p.sync != nil && e.Kind == replay.KindRoverSample {
		if n := p.sched.Loops(); n != p.loops {
			p.loops = n
			p.sync.Restart()
		}
		p.sync.Push(e.Rover, e.Sample)
	}
	if p.quiet {
		return
	}
	fmt.Fprintln(p.w, e)
	for _, pl := range e.Placement {
		if pl.Position != nil {
			fmt.Fprintf(p.w, "  rover %d at iTOW %.1f: %s\n", pl.Rover, pl.ITOW.Value, pl.Position)
		}
	}
}

func (p *printSink) Progress(pct float64) {
	if int(pct)/10 != p.last {
		p.last = int(pct) / 10
		monitoring.Diagf("replay: %.0f%%", pct)
	}
}
