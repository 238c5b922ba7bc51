package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not reach the previous logger")
}

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("queue %d trimmed", 2)
	Diagf("aligned %d", 1000)
	Tracef("frame %s", "ubx")

	assert.Contains(t, ops.String(), "queue 2 trimmed")
	assert.Contains(t, diag.String(), "aligned 1000")
	assert.Contains(t, trace.String(), "frame ubx")
	assert.NotContains(t, ops.String(), "aligned")
	assert.True(t, strings.HasPrefix(ops.String(), "[roverlog] "))
}

func TestSetLogWriters_NilDisablesStream(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var diag bytes.Buffer
	SetLogWriters(LogWriters{Diag: &diag})

	// Must not panic with nil ops/trace loggers.
	Opsf("dropped")
	Tracef("dropped")
	Diagf("kept")

	assert.Equal(t, 1, strings.Count(diag.String(), "\n"))
}

func TestSetLegacyLogger(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var buf bytes.Buffer
	SetLegacyLogger(&buf)
	Opsf("a")
	Diagf("b")
	Tracef("c")

	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}
