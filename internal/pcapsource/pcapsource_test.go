package pcapsource

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roverlog/internal/ingest"
)

type packet struct {
	at      time.Duration
	dstPort uint16
	payload []byte
}

func buildCapture(t *testing.T, packets []packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, p := range packets {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 10),
			DstIP:    net.IPv4(192, 168, 1, 20),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(p.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(p.payload)))
		data := sb.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     base.Add(p.at),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return buf.Bytes()
}

func TestRead(t *testing.T) {
	capture := buildCapture(t, []packet{
		{0, 5000, []byte{0xB5, 0x62}},
		{20 * time.Millisecond, 6000, []byte{0xFF}},
		{40 * time.Millisecond, 5000, []byte{0x01, 0x3C}},
		{500 * time.Millisecond, 5000, []byte{0xD3}},
	})

	var bursts []ingest.Burst
	st, err := Read(context.Background(), bytes.NewReader(capture), Options{Port: 5000}, func(b ingest.Burst) {
		bursts = append(bursts, b)
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Packets: 4, UDP: 4, Matched: 3, Bytes: 5, Duration: 500 * time.Millisecond}, st)

	want := []ingest.Burst{
		{Data: []byte{0xB5, 0x62}, First: 0, Last: 0, Reason: ingest.ReasonData},
		{Data: []byte{0x01, 0x3C}, First: 40, Last: 40, Reason: ingest.ReasonData},
		{First: 140, Last: 140, Reason: ingest.ReasonTimeout},
		{Data: []byte{0xD3}, First: 500, Last: 500, Reason: ingest.ReasonData},
		{First: 500, Last: 500, Reason: ingest.ReasonClosed},
	}
	assert.Equal(t, want, bursts)
}

func TestReadAllPorts(t *testing.T) {
	capture := buildCapture(t, []packet{
		{0, 5000, []byte{1}},
		{10 * time.Millisecond, 6000, []byte{2}},
	})
	n := 0
	st, err := Read(context.Background(), bytes.NewReader(capture), Options{}, func(b ingest.Burst) {
		if b.Reason == ingest.ReasonData {
			n++
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, st.Matched)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(context.Background(), bytes.NewReader([]byte("not a capture")), Options{}, func(ingest.Burst) {})
	assert.Error(t, err)
}

func TestReadCancelled(t *testing.T) {
	capture := buildCapture(t, []packet{{0, 5000, []byte{1}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Read(ctx, bytes.NewReader(capture), Options{}, func(ingest.Burst) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rover.pcap")
	require.NoError(t, os.WriteFile(path, buildCapture(t, []packet{
		{0, 5000, []byte{1, 2}},
		{10 * time.Millisecond, 5000, []byte{3}},
	}), 0o644))

	var got []ingest.Burst
	for b := range Channel(context.Background(), path, Options{Port: 5000}) {
		got = append(got, b)
	}
	require.Len(t, got, 3)
	assert.Equal(t, ingest.ReasonClosed, got[2].Reason)
	assert.Equal(t, int64(10), got[1].First)

	var none []ingest.Burst
	for b := range Channel(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), Options{}) {
		none = append(none, b)
	}
	assert.Empty(t, none)
}
