package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roverlog/internal/ingest"
	"github.com/banshee-data/roverlog/internal/testutil"
	"github.com/banshee-data/roverlog/internal/timeutil"
)

func newTestMux(t *testing.T) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	clk := timeutil.NewMockClock(time.Unix(1700000000, 0))
	return NewSerialMux("A", port, timeutil.NewUptime(clk)), port
}

func recvBurst(t *testing.T, ch <-chan ingest.Burst) ingest.Burst {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "subscriber channel closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no burst received")
	}
	return ingest.Burst{}
}

func TestMonitorPublishesBursts(t *testing.T) {
	mux, port := newTestMux(t)
	_, ch := mux.Subscribe()
	_, other := mux.Subscribe()

	port.AddReadData([]byte{0xB5, 0x62, 0x01})
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	b := recvBurst(t, ch)
	assert.Equal(t, []byte{0xB5, 0x62, 0x01}, b.Data)
	assert.Equal(t, ingest.ReasonData, b.Reason)
	assert.Equal(t, b.Data, recvBurst(t, other).Data)

	// An empty read after data reports the idle gap once.
	b = recvBurst(t, ch)
	assert.Equal(t, ingest.ReasonTimeout, b.Reason)
	assert.Empty(t, b.Data)

	port.SetEOFWhenEmpty()
	b = recvBurst(t, ch)
	assert.Equal(t, ingest.ReasonClosed, b.Reason)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
	st := mux.Stats()
	assert.Equal(t, uint64(3), st.Bytes)
	assert.Equal(t, "3 B", st.BytesText)
	assert.Equal(t, uint64(3), st.Bursts)
}

func TestMonitorReadError(t *testing.T) {
	mux, port := newTestMux(t)
	port.ReadError = errors.New("framing error")
	err := mux.Monitor(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "framing error")
}

func TestMonitorContextCancel(t *testing.T) {
	mux, _ := newTestMux(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor ignored cancellation")
	}
	require.NoError(t, mux.Close())
}

func TestCloseClosesSubscribers(t *testing.T) {
	mux, port := newTestMux(t)
	_, ch := mux.Subscribe()
	id, ch2 := mux.Subscribe()
	mux.Unsubscribe(id)
	_, ok := <-ch2
	assert.False(t, ok)

	require.NoError(t, mux.Close())
	_, ok = <-ch
	assert.False(t, ok)
	assert.True(t, port.Closed)
}

func TestSendCommand(t *testing.T) {
	mux, port := newTestMux(t)
	require.NoError(t, mux.Initialise([][]byte{{0xB5, 0x62}, {0x06, 0x8A}}))
	assert.Equal(t, []byte{0xB5, 0x62, 0x06, 0x8A}, port.GetWrittenData())

	port.ShortWrite = true
	assert.ErrorIs(t, mux.SendCommand([]byte{1, 2}), ErrWriteFailed)

	port.ShortWrite = false
	port.WriteError = errors.New("gone")
	err := mux.Initialise([][]byte{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init command 0")
}

func TestPortOptions(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N", ReadTimeoutMs: 100}, got)
	assert.Equal(t, 100*time.Millisecond, got.ReadTimeout())

	for _, bad := range []PortOptions{
		{BaudRate: 12345},
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "M"},
		{ReadTimeoutMs: -1},
	} {
		_, err := bad.Normalise()
		assert.Error(t, err, "%+v", bad)
	}

	assert.True(t, PortOptions{}.Equal(PortOptions{BaudRate: 115200, Parity: "none"}))
	assert.False(t, PortOptions{}.Equal(PortOptions{BaudRate: 9600}))

	mode, err := PortOptions{BaudRate: 38400, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 38400, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
}

func TestOpenWithFactory(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)

	mux, err := Open(factory, "B", "/dev/ttyACM1", PortOptions{ReadTimeoutMs: 250}, nil)
	require.NoError(t, err)
	require.NotNil(t, mux)
	require.Len(t, factory.OpenCalls, 1)
	assert.Equal(t, "/dev/ttyACM1", factory.OpenCalls[0].Path)
	assert.Equal(t, 115200, factory.OpenCalls[0].Opts.BaudRate)
	assert.Equal(t, 250*time.Millisecond, port.ReadTimeout)

	factory.Error = errors.New("busy")
	_, err = Open(factory, "B", "/dev/ttyACM1", PortOptions{}, nil)
	assert.Error(t, err)

	_, err = Open(factory, "B", "/dev/ttyACM1", PortOptions{BaudRate: 1}, nil)
	assert.Error(t, err)
	assert.Len(t, factory.OpenCalls, 2)
}

func TestFixturePort(t *testing.T) {
	p := NewFixturePort([]byte("abcdef"), 4, time.Millisecond, nil)
	buf := make([]byte, 16)
	var got []string
	for i := 0; i < 3; i++ {
		n, err := p.Read(buf)
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"abcd", "ef", "abcd"}, got)

	n, err := p.Write([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, p.Close())
	_, err = p.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Write([]byte{1})
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestAdminSendCommandAPI(t *testing.T) {
	mux, port := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"hex frame", http.MethodPost, url.Values{"command": {"b5 62 06 8a"}}, http.StatusOK},
		{"empty", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"not hex", http.MethodPost, url.Values{"command": {"OJ"}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.LocalRequest(tt.method, "/debug/serial-A/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, []byte{0xB5, 0x62, 0x06, 0x8A}, port.GetWrittenData())
}

func TestAdminStats(t *testing.T) {
	mux, _ := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	mux.publish(ingest.Burst{Data: make([]byte, 2048)})
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, testutil.LocalRequest(http.MethodGet, "/debug/serial-A/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"A","bytes":2048,"bytes_text":"2.0 kB","bursts":1,"dropped":0}`, rec.Body.String())
}

func TestAdminTail(t *testing.T) {
	mux, _ := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	ctx, cancel := context.WithCancel(context.Background())
	req := testutil.LocalRequest(http.MethodGet, "/debug/serial-A/tail", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		httpMux.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mux.subscriberMu.Lock()
		defer mux.subscriberMu.Unlock()
		return len(mux.subscribers) == 1
	}, time.Second, time.Millisecond)
	mux.publish(ingest.Burst{Data: []byte{0xD3, 0x00}, Last: 42})
	require.Eventually(t, func() bool { return mux.bursts.Load() == 1 }, time.Second, time.Millisecond)

	// Give the handler a moment to write before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), ": ping")
	assert.Contains(t, rec.Body.String(), "data: 42 data 2 d300")
}
