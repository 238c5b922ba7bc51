// Package serialmux reads raw receiver bytes from a serial port and fans the
// resulting bursts out to any number of subscribers, while allowing receiver
// configuration frames to be written back to the same port.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"tailscale.com/tsweb"

	"github.com/banshee-data/roverlog/internal/httputil"
	"github.com/banshee-data/roverlog/internal/ingest"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// DefaultReadSize is the read buffer size; one read yields at most one burst.
const DefaultReadSize = 4096

// subscriberBuffer bounds each subscriber channel. A full subscriber misses
// bursts rather than stalling the port.
const subscriberBuffer = 256

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to bursts from a single serial port.
type SerialMux[T SerialPorter] struct {
	name   string
	port   T
	uptime *timeutil.Uptime

	subscribers  map[string]chan ingest.Burst
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	bytesRead atomic.Uint64
	bursts    atomic.Uint64
	dropped   atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving bursts from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan ingest.Burst)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided bytes to the serial port.
	SendCommand([]byte) error
	// Initialise writes each configuration frame in order.
	Initialise([][]byte) error
	// Monitor reads bursts from the serial port and sends them to every
	// subscriber.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

var _ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)

// NewSerialMux creates a SerialMux for port. Bursts are stamped with uptime;
// a nil uptime uses the real clock from now.
func NewSerialMux[T SerialPorter](name string, port T, uptime *timeutil.Uptime) *SerialMux[T] {
	if uptime == nil {
		uptime = timeutil.NewUptime(nil)
	}
	return &SerialMux[T]{
		name:        name,
		port:        port,
		uptime:      uptime,
		subscribers: make(map[string]chan ingest.Burst),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan ingest.Burst) {
	id := randomID()
	ch := make(chan ingest.Burst, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialise sends receiver configuration frames, such as UBX-CFG messages
// enabling NAV-RELPOSNED output.
func (s *SerialMux[T]) Initialise(commands [][]byte) error {
	for i, c := range commands {
		if err := s.SendCommand(c); err != nil {
			return fmt.Errorf("failed to send init command %d: %w", i, err)
		}
	}
	return nil
}

// SendCommand writes command to the serial port unchanged.
func (s *SerialMux[T]) SendCommand(command []byte) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write(command)
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads the port until it closes or ctx is done. Each read becomes a
// data burst; an empty read after data, as produced by a port read timeout,
// becomes a timeout burst; end of stream becomes a closed burst.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	burstChan := make(chan ingest.Burst)
	readErrChan := make(chan error, 1)

	// the blocking Read will not interfere with our outer loop awaiting
	// bursts & context cancellation.
	go func() {
		defer close(burstChan)
		buf := make([]byte, DefaultReadSize)
		last := s.uptime.Millis()
		idle := true
		for {
			start := max(last, s.uptime.Millis())
			n, err := s.port.Read(buf)
			now := s.uptime.Millis()

			var b ingest.Burst
			switch {
			case n > 0:
				b = ingest.Burst{Data: append([]byte(nil), buf[:n]...), First: start, Last: now, Reason: ingest.ReasonData}
				idle = false
			case err == nil && !idle:
				b = ingest.Burst{First: now, Last: now, Reason: ingest.ReasonTimeout}
				idle = true
			}
			if err != nil {
				if errors.Is(err, io.EOF) || s.isClosing() {
					b.Reason = ingest.ReasonClosed
					b.Last = now
					select {
					case burstChan <- b:
					case <-ctx.Done():
					}
					return
				}
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
			last = now
			if b.Data == nil && b.Reason == ingest.ReasonData {
				continue
			}
			select {
			case burstChan <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			return fmt.Errorf("%s: failed to read serial port: %w", s.name, err)

		case b, ok := <-burstChan:
			if !ok {
				select {
				case err := <-readErrChan:
					return fmt.Errorf("%s: failed to read serial port: %w", s.name, err)
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			s.publish(b)
			if b.Reason == ingest.ReasonClosed {
				return nil
			}
		}
	}
}

func (s *SerialMux[T]) publish(b ingest.Burst) {
	s.bytesRead.Add(uint64(len(b.Data)))
	s.bursts.Add(1)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- b:
		default:
			// if the channel is full skip so as not to block the outer loop
			if s.dropped.Add(1)%100 == 1 {
				monitoring.Opsf("%s: subscriber full, %d bursts dropped so far", s.name, s.dropped.Load())
			}
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// Stats is the JSON body of the stats admin route.
type Stats struct {
	Name      string `json:"name"`
	Bytes     uint64 `json:"bytes"`
	BytesText string `json:"bytes_text"`
	Bursts    uint64 `json:"bursts"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the read counters.
func (s *SerialMux[T]) Stats() Stats {
	n := s.bytesRead.Load()
	return Stats{
		Name:      s.name,
		Bytes:     n,
		BytesText: humanize.Bytes(n),
		Bursts:    s.bursts.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	prefix := "serial-" + s.name

	// API endpoint to write a hex-encoded frame to the serial port
	debug.HandleSilentFunc(prefix+"/send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.Join(strings.Fields(r.FormValue("command")), "")
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		frame, err := hex.DecodeString(command)
		if err != nil {
			httputil.BadRequest(w, "command must be hex encoded")
			return
		}
		if err := s.SendCommand(frame); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{"rover": s.name, "written": len(frame)})
	})

	debug.HandleSilentFunc(prefix+"/stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})

	// API endpoint to issue Server-Side Events (SSE) with a hex dump of each
	// burst read from the serial port.
	debug.HandleSilentFunc(prefix+"/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case b, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				_, err := fmt.Fprintf(w, "data: %d %s %d %s\n\n", b.Last, b.Reason, len(b.Data), hex.EncodeToString(b.Data))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
