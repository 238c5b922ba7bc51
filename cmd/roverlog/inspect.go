package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/roverlog/internal/demux"
	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/timesync"
)

func runInspect(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	noCRC := fs.Bool("no-rtcm-crc", false, "Pass RTCM3 frames through without checking their CRC")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("inspect needs at least one capture file")
	}
	opts := demux.DefaultOptions()
	opts.VerifyRTCMCRC = !*noCRC

	for _, path := range fs.Args() {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat capture: %w", err)
		}
		track, st, err := logfile.LoadRoverLog(path, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %s, %d frames, %d parse errors, %s unidentified\n",
			path, humanize.Bytes(uint64(info.Size())), st.Demux.Frames, st.Demux.ParseErrors,
			humanize.Bytes(uint64(st.Demux.UnidentifiedBytes)))
		fmt.Fprintf(stdout, "  %d RELPOSNED fixes (%d duplicate, %d undecodable), %d kept\n",
			st.Samples, st.Duplicates, st.Undecoded, track.Len())
		if first, last, ok := track.Bounds(); ok {
			fmt.Fprintf(stdout, "  iTOW %d..%d\n", first, last)
		}
	}
	return nil
}

func runDrift(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("drift", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("drift needs at least one sync log")
	}
	for _, path := range fs.Args() {
		recs, warnings, err := logfile.LoadSync(path)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintf(stdout, "warning: %s\n", w)
		}
		table := timesync.NewTable()
		for _, rec := range recs {
			for _, w := range table.Add(rec) {
				fmt.Fprintf(stdout, "%s: warning: %s\n", path, w)
			}
		}
		d, err := timesync.EstimateDrift(table.Records())
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(stdout, "%s: %s\n", path, d)
	}
	return nil
}
