package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/roverlog/internal/config"
	"github.com/banshee-data/roverlog/internal/ingest"
	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/pcapsource"
	"github.com/banshee-data/roverlog/internal/rover"
	"github.com/banshee-data/roverlog/internal/serialmux"
	"github.com/banshee-data/roverlog/internal/store"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

func runLive(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("live", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Configuration file (.json, .yaml)")
	devMode := fs.Bool("dev", false, "Replay each rover's fixture file instead of opening its port")
	recordDir := fs.String("record", "", "Directory for raw captures and sync logs")
	listen := fs.String("listen", "", "Admin listen address (overrides config; \"off\" disables)")
	if err := fs.Parse(args); err != nil {
		return err
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

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	names := cfg.Names()
	uptime := timeutil.NewUptime(timeutil.RealClock{})
	httpMux := http.NewServeMux()

	var recorders []ingest.Recorder
	if *recordDir != "" {
		if err := os.MkdirAll(*recordDir, 0o755); err != nil {
			return fmt.Errorf("failed to create record directory: %w", err)
		}
		syncFiles, err := ingest.CreateSyncFiles(*recordDir, names)
		if err != nil {
			return err
		}
		defer syncFiles.Close()
		recorders = append(recorders, syncFiles)
	}

	if path := cfg.GetStorePath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()
		sess, err := st.BeginSession(store.KindLive, names)
		if err != nil {
			return err
		}
		monitoring.Diagf("live: recording session %s to %s", sess.ID, path)
		recorders = append(recorders, st.Recorder(sess))
		if err := st.AttachAdminRoutes(httpMux); err != nil {
			return err
		}
	}

	var sources []<-chan ingest.Burst
	var workers []*ingest.Worker
	for i, rc := range cfg.Rovers {
		src, closeSrc, err := openSource(ctx, rc, *devMode, uptime, httpMux)
		if err != nil {
			return err
		}
		defer closeSrc()

		if *recordDir != "" {
			raw, err := os.Create(filepath.Join(*recordDir, logfile.RoverLogFileName(rc.Name)))
			if err != nil {
				return fmt.Errorf("failed to create raw capture: %w", err)
			}
			defer raw.Close()
			src = ingest.Tee(ctx, rc.Name, src, raw)
		}
		sources = append(sources, src)
		workers = append(workers, ingest.NewWorker(ingest.WorkerConfig{
			Rover:                i,
			Name:                 rc.Name,
			Demux:                cfg.GetDemuxOptions(),
			MaxConsecutiveErrors: cfg.GetMaxConsecutiveErrors(),
		}))
	}

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
		Names:     names,
		Sync:      cfg.GetSyncOptions(),
		Aligner:   cfg.GetAligner(),
		Recorders: recorders,
		OnMatch:   func(m rover.Match) { printMatch(stdout, names, m) },
	})
	if err != nil {
		return err
	}

	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}
	if addr != "off" {
		stopServer := serveAdmin(addr, httpMux)
		defer stopServer()
	}

	pipeline := ingest.NewPipeline(workers, consumer, cfg.GetMailbox())
	err = pipeline.Run(ctx, sources)
	for name, ferr := range pipeline.Failed() {
		monitoring.Opsf("live: source %s failed: %v", name, ferr)
	}
	return err
}

// openSource starts the byte source of one rover. Dev mode uses the rover's
// fixture regardless of its other settings.
func openSource(ctx context.Context, rc config.RoverConfig, devMode bool, uptime *timeutil.Uptime, httpMux *http.ServeMux) (<-chan ingest.Burst, func(), error) {
	var mux serialmux.SerialMuxInterface
	switch {
	case devMode || (rc.Serial == "" && rc.PCAP == "" && rc.Fixture != ""):
		if rc.Fixture == "" {
			return nil, nil, fmt.Errorf("rover %s: dev mode needs a fixture", rc.Name)
		}
		data, err := os.ReadFile(rc.Fixture)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read fixture for rover %s: %w", rc.Name, err)
		}
		mux = serialmux.NewMockSerialMux(rc.Name, data, uptime)
	case rc.Serial != "":
		m, err := serialmux.NewRealSerialMux(rc.Name, rc.Serial, rc.PortOptions(), uptime)
		if err != nil {
			return nil, nil, err
		}
		mux = m
	case rc.PCAP != "":
		ch := pcapsource.Channel(ctx, rc.PCAP, pcapsource.Options{Port: rc.PCAPPort})
		return ch, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("rover %s has no serial port, capture or fixture", rc.Name)
	}

	cmds, err := rc.InitCommands()
	if err != nil {
		mux.Close()
		return nil, nil, err
	}
	if err := mux.Initialise(cmds); err != nil {
		mux.Close()
		return nil, nil, fmt.Errorf("failed to initialise rover %s: %w", rc.Name, err)
	}
	mux.AttachAdminRoutes(httpMux)

	_, ch := mux.Subscribe()
	go func() {
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("%s: monitor stopped: %v", rc.Name, err)
		}
	}()
	return ch, func() { mux.Close() }, nil
}

func serveAdmin(addr string, handler http.Handler) func() {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Opsf("admin server: %v", err)
		}
	}()
	monitoring.Diagf("admin routes on http://%s/debug/", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printMatch(w io.Writer, names []string, m rover.Match) {
	fmt.Fprintf(w, "match iTOW=%d epoch=%d", m.ITOW, m.Epoch)
	for i, p := range m.Samples {
		fmt.Fprintf(w, " %s=[%.4f %.4f %.4f]", names[i], p.Rel[0], p.Rel[1], p.Rel[2])
	}
	fmt.Fprintln(w)
}
