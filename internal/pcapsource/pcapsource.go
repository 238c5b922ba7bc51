// Package pcapsource turns a packet capture of receiver traffic forwarded
// over UDP into the same bursts a serial port produces.
package pcapsource

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/roverlog/internal/ingest"
	"github.com/banshee-data/roverlog/internal/monitoring"
)

// DefaultIdleGap is the capture-time gap reported as a read timeout.
const DefaultIdleGap = 100 * time.Millisecond

// Options selects the stream within a capture.
type Options struct {
	// Port is the UDP destination port; 0 accepts every UDP packet.
	Port int
	// IdleGap is the gap between packets that ends a partial frame.
	IdleGap time.Duration
}

// Stats summarises one capture.
type Stats struct {
	Packets  int
	UDP      int
	Matched  int
	Bytes    uint64
	Duration time.Duration
}

// ReadFile reads the capture at path. See Read.
func ReadFile(ctx context.Context, path string, opts Options, fn func(ingest.Burst)) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	st, err := Read(ctx, f, opts, fn)
	if err != nil {
		return st, fmt.Errorf("%s: %w", path, err)
	}
	monitoring.Diagf("pcap %s: %d packets, %d on port %d, %s over %s",
		path, st.Packets, st.Matched, opts.Port, humanize.Bytes(st.Bytes), st.Duration)
	return st, nil
}

// Read decodes a pcap stream and calls fn with one burst per matching UDP
// payload. Burst times are capture times in milliseconds since the first
// packet. A gap longer than IdleGap is reported as a timeout burst, and the
// capture ends with a closed burst.
func Read(ctx context.Context, r io.Reader, opts Options, fn func(ingest.Burst)) (Stats, error) {
	if opts.IdleGap <= 0 {
		opts.IdleGap = DefaultIdleGap
	}
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read PCAP header: %w", err)
	}

	var (
		st       Stats
		first    time.Time
		last     time.Time
		lastData time.Time
	)
	uptime := func(t time.Time) int64 { return t.Sub(first).Milliseconds() }

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, fmt.Errorf("failed to read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		ts := packet.Metadata().Timestamp
		if first.IsZero() {
			first = ts
		}
		last = ts

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		st.UDP++
		udp := udpLayer.(*layers.UDP)
		if opts.Port != 0 && int(udp.DstPort) != opts.Port {
			continue
		}
		if len(udp.Payload) == 0 {
			continue
		}
		st.Matched++
		st.Bytes += uint64(len(udp.Payload))

		if !lastData.IsZero() && ts.Sub(lastData) > opts.IdleGap {
			at := uptime(lastData.Add(opts.IdleGap))
			fn(ingest.Burst{First: at, Last: at, Reason: ingest.ReasonTimeout})
		}
		lastData = ts
		fn(ingest.Burst{
			Data:   append([]byte(nil), udp.Payload...),
			First:  uptime(ts),
			Last:   uptime(ts),
			Reason: ingest.ReasonData,
		})
	}

	if !first.IsZero() {
		st.Duration = last.Sub(first)
	}
	end := uptime(last)
	if first.IsZero() {
		end = 0
	}
	fn(ingest.Burst{First: end, Last: end, Reason: ingest.ReasonClosed})
	return st, nil
}

// Channel runs Read in a goroutine and delivers bursts on the returned
// channel, closed when the capture ends. Read errors are logged.
func Channel(ctx context.Context, path string, opts Options) <-chan ingest.Burst {
	ch := make(chan ingest.Burst, 64)
	go func() {
		defer close(ch)
		_, err := ReadFile(ctx, path, opts, func(b ingest.Burst) {
			select {
			case ch <- b:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			monitoring.Opsf("pcap: %v", err)
		}
	}()
	return ch
}
