package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

// ErrPortClosed is returned by test ports after Close.
var ErrPortClosed = errors.New("serial port closed")

// FixturePort replays a captured receiver stream in fixed-size chunks at a
// fixed interval, looping at the end. Writes are discarded. It stands in
// for a receiver in dev mode.
type FixturePort struct {
	data     []byte
	chunk    int
	interval time.Duration
	clock    timeutil.Clock

	mu     sync.Mutex
	offset int
	closed chan struct{}
	once   sync.Once
}

// NewFixturePort replays data. chunk <= 0 selects 64 bytes; interval <= 0
// selects 10 ms.
func NewFixturePort(data []byte, chunk int, interval time.Duration, clock timeutil.Clock) *FixturePort {
	if chunk <= 0 {
		chunk = 64
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FixturePort{data: data, chunk: chunk, interval: interval, clock: clock, closed: make(chan struct{})}
}

func (p *FixturePort) Read(buf []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.EOF
	case <-p.clock.After(p.interval):
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.data) == 0 {
		return 0, nil
	}
	end := min(p.offset+p.chunk, len(p.data), p.offset+len(buf))
	n := copy(buf, p.data[p.offset:end])
	p.offset = end % len(p.data)
	return n, nil
}

func (p *FixturePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrPortClosed
	default:
	}
	monitoring.Tracef("fixture port: discarded %d byte command", len(b))
	return len(b), nil
}

func (p *FixturePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// NewMockSerialMux creates a SerialMux instance backed by a FixturePort.
func NewMockSerialMux(name string, fixture []byte, uptime *timeutil.Uptime) *SerialMux[*FixturePort] {
	monitoring.Diagf("%s: replaying %d byte fixture in place of a serial port", name, len(fixture))
	return NewSerialMux(name, NewFixturePort(fixture, 0, 0, nil), uptime)
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// An empty read buffer yields a timeout-style empty read, or io.EOF once
// EOFWhenEmpty is set.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadChunk limits the bytes returned by one Read when positive
	ReadChunk int

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// EOFWhenEmpty makes an empty read return io.EOF
	EOFWhenEmpty bool

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read returns buffered data. With nothing buffered it waits briefly for
// more, as a port with a read timeout does, then returns (0, nil).
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		if t.EOFWhenEmpty {
			return 0, io.EOF
		}
		waitCond(t.readCond, time.Millisecond)
		if t.Closed {
			return 0, ErrPortClosed
		}
		if t.ReadBuffer.Len() == 0 {
			return 0, nil
		}
	}
	if t.ReadChunk > 0 && len(p) > t.ReadChunk {
		p = p[:t.ReadChunk]
	}
	return t.ReadBuffer.Read(p)
}

// waitCond waits on c for at most d. c.L must be held.
func waitCond(c *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, c.Broadcast)
	defer timer.Stop()
	c.Wait()
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		p = p[:len(p)-1]
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// SetEOFWhenEmpty switches empty reads to io.EOF.
func (t *TestableSerialPort) SetEOFWhenEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.EOFWhenEmpty = true
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}
