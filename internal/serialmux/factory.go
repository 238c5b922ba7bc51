package serialmux

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/banshee-data/roverlog/internal/timeutil"
)

// RealSerialPortFactory opens ports with go.bug.st/serial.
type RealSerialPortFactory struct{}

// Open opens the port at path. The returned port implements
// TimeoutSerialPorter.
func (RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return port, nil
}

// Open opens a port through factory and wraps it in a SerialMux.
func Open(factory SerialPortFactory, name, path string, opts PortOptions, uptime *timeutil.Uptime) (*SerialMux[SerialPorter], error) {
	opts, err := opts.Normalise()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(opts.ReadTimeout()); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
	}
	return NewSerialMux(name, port, uptime), nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(name, path string, opts PortOptions, uptime *timeutil.Uptime) (*SerialMux[SerialPorter], error) {
	return Open(RealSerialPortFactory{}, name, path, opts, uptime)
}
