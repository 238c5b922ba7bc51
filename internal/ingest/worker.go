package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/roverlog/internal/demux"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/sample"
)

// ErrTooManyErrors aborts a worker whose stream keeps failing to parse.
var ErrTooManyErrors = errors.New("too many consecutive parse errors")

// DefaultMaxConsecutiveErrors is used when WorkerConfig leaves it unset.
const DefaultMaxConsecutiveErrors = 100

// Arrival is a decoded fix handed from a worker to the consumer. It is never
// modified after the hand-off.
type Arrival struct {
	Rover  int
	Sample sample.Position
	Uptime int64
}

// WorkerConfig configures one source worker.
type WorkerConfig struct {
	Rover                int
	Name                 string
	Demux                demux.Options
	MaxConsecutiveErrors int
}

// WorkerStats counts one worker's input.
type WorkerStats struct {
	Bursts    int
	Bytes     uint64
	Samples   int
	Undecoded int
	Demux     demux.Stats
}

// Worker owns the demultiplexer of one byte source.
type Worker struct {
	cfg     WorkerConfig
	d       *demux.Demuxer
	burst   Burst
	pending []Arrival
	stats   WorkerStats
}

// NewWorker creates a worker for cfg.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("rover%d", cfg.Rover)
	}
	w := &Worker{cfg: cfg}
	w.d = demux.New(cfg.Demux, demux.Handler{
		OnFrame:        w.onFrame,
		OnParseError:   w.onParseError,
		OnUnidentified: w.onUnidentified,
	})
	return w
}

// Name returns the rover name.
func (w *Worker) Name() string { return w.cfg.Name }

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() WorkerStats {
	st := w.stats
	st.Demux = w.d.Stats()
	return st
}

func (w *Worker) onFrame(f demux.Frame) {
	u, ok := f.(demux.UBX)
	if !ok {
		monitoring.Tracef("%s: %s frame", w.cfg.Name, f.Kind())
		return
	}
	if !sample.IsRelPosNED(u.Class, u.ID) {
		monitoring.Tracef("%s: UBX %02X-%02X, %d bytes", w.cfg.Name, u.Class, u.ID, len(u.Payload))
		return
	}
	p, err := sample.DecodeRelPosNED(u.Payload)
	if err != nil {
		w.stats.Undecoded++
		monitoring.Opsf("%s: %v", w.cfg.Name, err)
		return
	}
	w.stats.Samples++
	w.pending = append(w.pending, Arrival{Rover: w.cfg.Rover, Sample: p, Uptime: w.burst.Last})
}

func (w *Worker) onParseError(pe *demux.ParseError) {
	monitoring.Opsf("%s: %v", w.cfg.Name, pe)
}

func (w *Worker) onUnidentified(b []byte) {
	monitoring.Tracef("%s: %d unidentified bytes", w.cfg.Name, len(b))
}

// Feed runs one burst through the demultiplexer and returns the fixes it
// completed. Timeout and closing bursts abandon any partial frame.
func (w *Worker) Feed(b Burst) ([]Arrival, error) {
	w.burst = b
	w.pending = w.pending[:0]
	w.stats.Bursts++
	w.stats.Bytes += uint64(len(b.Data))

	w.d.Write(b.Data)
	if b.Reason != ReasonData {
		w.d.Flush()
	}

	out := append([]Arrival(nil), w.pending...)
	if n := w.d.Stats().ConsecutiveErrors; n >= w.cfg.MaxConsecutiveErrors {
		return out, fmt.Errorf("%s: %d in a row: %w", w.cfg.Name, n, ErrTooManyErrors)
	}
	return out, nil
}

// Run feeds bursts from in until it closes, a closing burst arrives, or ctx
// is done. Fixes are sent to out, blocking while the mailbox is full.
func (w *Worker) Run(ctx context.Context, in <-chan Burst, out chan<- Arrival) error {
	defer func() {
		st := w.Stats()
		monitoring.Diagf("%s: worker done, %s in %d bursts, %d frames, %d samples, %d parse errors",
			w.cfg.Name, humanize.Bytes(st.Bytes), st.Bursts, st.Demux.Frames, st.Samples, st.Demux.ParseErrors)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-in:
			if !ok {
				w.d.Flush()
				return nil
			}
			arrivals, err := w.Feed(b)
			for _, a := range arrivals {
				select {
				case out <- a:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err != nil {
				return err
			}
			if b.Reason == ReasonClosed {
				return nil
			}
		}
	}
}
