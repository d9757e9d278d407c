// Package serialport adapts go.bug.st/serial to the plain io.ReadWriteCloser
// an XmodemEngine or YmodemEngine reads and writes. It is the concrete
// transport for the abstract "modem connection" the engines themselves know
// nothing about.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port wraps an open serial.Port as an io.ReadWriteCloser.
type Port struct {
	p serial.Port
}

// Open opens the named serial device (e.g. "/dev/ttyUSB0", "COM3") at baud,
// 8 data bits, no parity, one stop bit — the configuration every XMODEM/
// YMODEM implementation assumes.
func Open(name string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}
	return &Port{p: p}, nil
}

func (pt *Port) Read(buf []byte) (int, error) {
	return pt.p.Read(buf)
}

func (pt *Port) Write(buf []byte) (int, error) {
	return pt.p.Write(buf)
}

func (pt *Port) Close() error {
	return pt.p.Close()
}

// SetReadTimeout configures the port's own read deadline in addition to
// whatever TimeoutReader layer the caller runs on top; most USB-serial
// drivers need this set to return from Read at all when the line goes idle.
func (pt *Port) SetReadTimeout(d time.Duration) error {
	return pt.p.SetReadTimeout(d)
}
