package demux

import (
	"fmt"
	"strconv"
	"strings"
)

// State is the demultiplexer's position within the frame being assembled.
type State int

const (
	WaitingForStart State = iota
	NMEABody
	WaitingForLF
	UBXSync2
	UBXClass
	UBXID
	UBXLen1
	UBXLen2
	UBXPayload
	UBXCkA
	UBXCkB
	RTCMLen1
	RTCMLen2
	RTCMPayload
	RTCMCrc1
	RTCMCrc2
	RTCMCrc3
)

var stateNames = [...]string{
	"WaitingForStart", "NMEABody", "WaitingForLF",
	"UBXSync2", "UBXClass", "UBXID", "UBXLen1", "UBXLen2", "UBXPayload", "UBXCkA", "UBXCkB",
	"RTCMLen1", "RTCMLen2", "RTCMPayload", "RTCMCrc1", "RTCMCrc2", "RTCMCrc3",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Defaults applied by Options.normalise.
const (
	DefaultMaxUnidentified = 100
	DefaultMaxPayload      = 8192
	DefaultMaxSentence     = 256
)

// Options bound the demultiplexer's buffering.
type Options struct {
	// MaxUnidentified is the run of unrecognised bytes reported in one piece
	// when no start byte arrives to end it.
	MaxUnidentified int
	// MaxPayload rejects UBX frames whose length field exceeds it.
	MaxPayload int
	// MaxSentence rejects NMEA sentences longer than this.
	MaxSentence int
	// VerifyRTCMCRC validates the CRC-24Q of RTCM3 frames. When false the
	// three trailing bytes are passed through unchecked.
	VerifyRTCMCRC bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxUnidentified: DefaultMaxUnidentified,
		MaxPayload:      DefaultMaxPayload,
		MaxSentence:     DefaultMaxSentence,
		VerifyRTCMCRC:   true,
	}
}

func (o Options) normalise() Options {
	if o.MaxUnidentified <= 0 {
		o.MaxUnidentified = DefaultMaxUnidentified
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.MaxSentence <= 0 {
		o.MaxSentence = DefaultMaxSentence
	}
	return o
}

// ParseError reports a frame that was started but failed validation. Data
// holds the bytes consumed by the failed attempt; they are not re-scanned.
type ParseError struct {
	Kind   Kind
	State  State
	Reason string
	Data   []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parse error in %s: %s (%d bytes)", e.Kind, e.State, e.Reason, len(e.Data))
}

// Handler receives the demultiplexer's output. Nil callbacks are ignored.
// Slices passed to the callbacks are owned by the receiver.
type Handler struct {
	OnFrame        func(Frame)
	OnParseError   func(*ParseError)
	OnUnidentified func([]byte)
}

// Stats counts the demultiplexer's output since construction.
type Stats struct {
	Frames            int
	ParseErrors       int
	UnidentifiedBytes int
	// ConsecutiveErrors counts parse errors since the last good frame.
	ConsecutiveErrors int
}

// Demuxer is a single-threaded byte-at-a-time frame recogniser. It is not
// safe for concurrent use; each byte source owns its own instance.
type Demuxer struct {
	opts    Options
	handler Handler

	state  State
	buf    []byte // bytes of the frame attempt in progress
	unid   []byte // unrecognised bytes awaiting a flush
	length int
	ckA    byte
	ckB    byte

	stats Stats
}

// New creates a Demuxer in WaitingForStart.
func New(opts Options, h Handler) *Demuxer {
	opts = opts.normalise()
	return &Demuxer{
		opts:    opts,
		handler: h,
		buf:     make([]byte, 0, 128),
		unid:    make([]byte, 0, opts.MaxUnidentified),
	}
}

// State returns the current state.
func (d *Demuxer) State() State { return d.state }

// Stats returns a snapshot of the output counters.
func (d *Demuxer) Stats() Stats { return d.stats }

// Write feeds p byte by byte. It never fails; the io.Writer signature lets a
// Demuxer sit at the end of an io.Copy.
func (d *Demuxer) Write(p []byte) (int, error) {
	for _, b := range p {
		d.Process(b)
	}
	return len(p), nil
}

// Flush abandons any partial frame and reports the buffered bytes as
// unidentified. Sources call it when a read times out mid-frame. A sentence
// that has seen its CR is emitted as with a missing LF.
func (d *Demuxer) Flush() {
	switch d.state {
	case WaitingForStart:
	case WaitingForLF:
		d.missingLF()
	default:
		d.abandon()
	}
	d.flushUnidentified()
}

// Process consumes one byte.
func (d *Demuxer) Process(b byte) {
	switch d.state {
	case WaitingForStart:
		if d.begin(b) {
			return
		}
		d.unid = append(d.unid, b)
		if len(d.unid) >= d.opts.MaxUnidentified {
			d.flushUnidentified()
		}

	case NMEABody:
		switch {
		case b == '\r':
			d.state = WaitingForLF
		case b == NMEAStart || b == UBXSyncChar1 || b == RTCMStart:
			d.abandon()
			d.begin(b)
		case b < 0x20 || b > 0x7E:
			d.buf = append(d.buf, b)
			d.abandon()
		default:
			d.buf = append(d.buf, b)
			if len(d.buf) > d.opts.MaxSentence {
				d.fail(KindNMEA, fmt.Sprintf("sentence longer than %d bytes", d.opts.MaxSentence))
			}
		}

	case WaitingForLF:
		if b == '\n' {
			d.finishNMEA()
			return
		}
		d.missingLF()
		d.Process(b)

	case UBXSync2:
		if b != UBXSyncChar2 {
			d.abandon()
			d.Process(b)
			return
		}
		d.buf = append(d.buf, b)
		d.state = UBXClass

	case UBXClass, UBXID, UBXLen1, UBXLen2:
		d.buf = append(d.buf, b)
		d.ckA += b
		d.ckB += d.ckA
		switch d.state {
		case UBXClass:
			d.state = UBXID
		case UBXID:
			d.state = UBXLen1
		case UBXLen1:
			d.length = int(b)
			d.state = UBXLen2
		case UBXLen2:
			d.length |= int(b) << 8
			switch {
			case d.length > d.opts.MaxPayload:
				d.fail(KindUBX, fmt.Sprintf("payload length %d exceeds %d", d.length, d.opts.MaxPayload))
			case d.length == 0:
				d.state = UBXCkA
			default:
				d.state = UBXPayload
			}
		}

	case UBXPayload:
		d.buf = append(d.buf, b)
		d.ckA += b
		d.ckB += d.ckA
		if len(d.buf) == 6+d.length {
			d.state = UBXCkA
		}

	case UBXCkA:
		d.buf = append(d.buf, b)
		d.state = UBXCkB

	case UBXCkB:
		d.buf = append(d.buf, b)
		d.finishUBX()

	case RTCMLen1:
		d.buf = append(d.buf, b)
		d.length = int(b&0x03) << 8
		d.state = RTCMLen2

	case RTCMLen2:
		d.buf = append(d.buf, b)
		d.length |= int(b)
		if d.length == 0 {
			d.state = RTCMCrc1
		} else {
			d.state = RTCMPayload
		}

	case RTCMPayload:
		d.buf = append(d.buf, b)
		if len(d.buf) == 3+d.length {
			d.state = RTCMCrc1
		}

	case RTCMCrc1:
		d.buf = append(d.buf, b)
		d.state = RTCMCrc2

	case RTCMCrc2:
		d.buf = append(d.buf, b)
		d.state = RTCMCrc3

	case RTCMCrc3:
		d.buf = append(d.buf, b)
		d.finishRTCM()
	}
}

// begin starts a new frame attempt if b is a start byte, flushing any
// unrecognised bytes first.
func (d *Demuxer) begin(b byte) bool {
	var next State
	switch b {
	case NMEAStart:
		next = NMEABody
	case UBXSyncChar1:
		next = UBXSync2
	case RTCMStart:
		next = RTCMLen1
	default:
		return false
	}
	d.flushUnidentified()
	d.buf = append(d.buf[:0], b)
	d.length = 0
	d.ckA, d.ckB = 0, 0
	d.state = next
	return true
}

func (d *Demuxer) reset() {
	d.buf = d.buf[:0]
	d.length = 0
	d.ckA, d.ckB = 0, 0
	d.state = WaitingForStart
}

// abandon moves the bytes of the current attempt to the unidentified run and
// reports them.
func (d *Demuxer) abandon() {
	d.unid = append(d.unid, d.buf...)
	d.reset()
	d.flushUnidentified()
}

func (d *Demuxer) flushUnidentified() {
	if len(d.unid) == 0 {
		return
	}
	data := append([]byte(nil), d.unid...)
	d.unid = d.unid[:0]
	d.stats.UnidentifiedBytes += len(data)
	if d.handler.OnUnidentified != nil {
		d.handler.OnUnidentified(data)
	}
}

func (d *Demuxer) fail(kind Kind, reason string) {
	pe := &ParseError{
		Kind:   kind,
		State:  d.state,
		Reason: reason,
		Data:   append([]byte(nil), d.buf...),
	}
	d.reset()
	d.stats.ParseErrors++
	d.stats.ConsecutiveErrors++
	if d.handler.OnParseError != nil {
		d.handler.OnParseError(pe)
	}
}

func (d *Demuxer) emit(f Frame) {
	d.reset()
	d.stats.Frames++
	d.stats.ConsecutiveErrors = 0
	if d.handler.OnFrame != nil {
		d.handler.OnFrame(f)
	}
}

func (d *Demuxer) finishUBX() {
	n := len(d.buf)
	if d.buf[n-2] != d.ckA || d.buf[n-1] != d.ckB {
		d.fail(KindUBX, fmt.Sprintf("checksum %02X%02X, computed %02X%02X", d.buf[n-2], d.buf[n-1], d.ckA, d.ckB))
		return
	}
	d.emit(UBX{
		Class:   d.buf[2],
		ID:      d.buf[3],
		Payload: append([]byte(nil), d.buf[6:6+d.length]...),
		CkA:     d.ckA,
		CkB:     d.ckB,
	})
}

func (d *Demuxer) finishRTCM() {
	n := len(d.buf)
	f := RTCM{Payload: append([]byte(nil), d.buf[3:3+d.length]...)}
	copy(f.CRC[:], d.buf[n-3:])
	if d.opts.VerifyRTCMCRC {
		got := uint32(f.CRC[0])<<16 | uint32(f.CRC[1])<<8 | uint32(f.CRC[2])
		if want := CRC24Q(d.buf[:n-3]); got != want {
			d.fail(KindRTCM, fmt.Sprintf("crc %06X, computed %06X", got, want))
			return
		}
	}
	d.emit(f)
}

// missingLF handles a CR not followed by LF: one error is reported and a
// sentence whose checksum holds is still emitted.
func (d *Demuxer) missingLF() {
	sentence := string(d.buf)
	reason := "missing LF after CR"
	bad := checkSentence(sentence)
	if bad != "" {
		reason += ", " + bad
	}
	pe := &ParseError{
		Kind:   KindNMEA,
		State:  WaitingForLF,
		Reason: reason,
		Data:   append([]byte(nil), d.buf...),
	}
	d.stats.ParseErrors++
	d.stats.ConsecutiveErrors++
	if d.handler.OnParseError != nil {
		d.handler.OnParseError(pe)
	}
	if bad != "" {
		d.reset()
		return
	}
	d.emit(NMEA{Sentence: sentence})
}

func (d *Demuxer) finishNMEA() {
	sentence := string(d.buf)
	if bad := checkSentence(sentence); bad != "" {
		d.fail(KindNMEA, bad)
		return
	}
	d.emit(NMEA{Sentence: sentence})
}

// checkSentence verifies an optional trailing *hh checksum and returns the
// failure reason, or "" when the sentence is acceptable.
func checkSentence(sentence string) string {
	star := strings.LastIndexByte(sentence, '*')
	if star < 0 || len(sentence)-star != 3 {
		return ""
	}
	want, err := strconv.ParseUint(sentence[star+1:], 16, 8)
	if err != nil {
		return fmt.Sprintf("malformed checksum %q", sentence[star+1:])
	}
	if got := NMEAChecksum(sentence[1:star]); byte(want) != got {
		return fmt.Sprintf("checksum %02X, computed %02X", want, got)
	}
	return ""
}
