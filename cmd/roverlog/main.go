package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/roverlog/internal/config"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "roverlog: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return errors.New("no command given")
	}
	command, rest := args[0], args[1:]
	switch command {
	case "live":
		return runLive(ctx, rest, stdout)
	case "replay":
		return runReplay(ctx, rest, stdout)
	case "inspect":
		return runInspect(rest, stdout)
	case "drift":
		return runDrift(rest, stdout)
	case "version":
		fmt.Fprintf(stdout, "roverlog version %s\n", version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}
	printUsage(stdout)
	return fmt.Errorf("unknown command: %s", command)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `roverlog - synchronised GNSS rover logging and replay

Usage: roverlog <command> [options]

Commands:
  live       Read every configured rover and publish time-matched fixes
  replay     Replay a recorded session directory at a chosen speed
  inspect    Run raw receiver captures through the frame demultiplexer
  drift      Estimate receiver clock drift from sync logs
  version    Show roverlog version
  help       Show this help message

Examples:
  # Record a live session with sync logs and raw captures
  roverlog live --config config/roverlog.example.json --record ./session

  # Replay it at four times real time
  roverlog replay --config config/roverlog.example.json --dir ./session --speed 4

  # Check a capture and a sync log
  roverlog inspect ./session/rover_A.ubx
  roverlog drift ./session/sync_A.tsv`)
}

// setupLogging routes the monitoring streams as configured. The returned
// function restores nothing; it only closes opened log files.
func setupLogging(cfg *config.Config) (func(), error) {
	w, closer, err := cfg.LogWriters()
	if err != nil {
		return nil, err
	}
	monitoring.SetLogWriters(w)
	return func() { closer.Close() }, nil
}
