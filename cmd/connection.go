// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Connection provides a common interface for reading/writing bytes from a
// real serial port or the in-memory loopback Bus.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned when reading from a closed Bus endpoint.
var ErrConnectionClosed = fmt.Errorf("sdi12: bus endpoint closed")

// SerialConnection wraps a go.bug.st/serial port configured for SDI-12's
// wire characteristics: 1200 baud, 7 data bits, even parity, 1 stop bit.
// This differs from the 115200/8N1 a generic serial tool would default
// to — SDI-12 v1.4 §4 mandates 7E1 and a fixed 1200 baud rate, so unlike
// a general-purpose connection helper this one does not take baud/parity
// as caller-supplied knobs.
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// SendBreak holds the line in a spacing (break) condition for at least d
// by dropping to a baud rate low enough that a single zero byte sent as
// 8N1 (start bit plus eight zero data bits, nine bit periods low) covers d,
// writing it, then restoring 1200 baud. go.bug.st/serial
// has no direct break-generation call, so this is the best a userspace
// driver can do without raw termios access; see DESIGN.md for why this is
// treated as the primary mechanism rather than worked around further.
func (s *SerialConnection) SendBreak(d time.Duration) error {
	breakBaud := int(float64(9) / d.Seconds())
	if breakBaud < 1 {
		breakBaud = 1
	}

	if err := s.port.SetMode(&serial.Mode{
		BaudRate: breakBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}); err != nil {
		return fmt.Errorf("sdi12: break baud switch: %w", err)
	}

	if _, err := s.port.Write([]byte{0x00}); err != nil {
		return fmt.Errorf("sdi12: break write: %w", err)
	}

	return s.port.SetMode(&serial.Mode{
		BaudRate: sdi12BaudRate,
		DataBits: 7,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
}

const sdi12BaudRate = 1200

// OpenSerialConnection opens portName at SDI-12's fixed 1200 baud 7E1.
func OpenSerialConnection(portName string) (*SerialConnection, error) {
	mode := &serial.Mode{
		BaudRate: sdi12BaudRate,
		DataBits: 7,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// Bus is an in-memory loopback transport: two pipe-backed endpoints, each
// a Connection, used by `sdi12ctl serve` to run a simulated sensor without
// real hardware.
type Bus struct {
	masterSide *busEnd
	sensorSide *busEnd
}

type busEnd struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (e *busEnd) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.ErrClosedPipe {
		err = ErrConnectionClosed
	}
	return n, err
}

func (e *busEnd) Write(p []byte) (int, error) { return e.w.Write(p) }
func (e *busEnd) Close() error {
	_ = e.r.Close()
	return e.w.Close()
}

// NewBus creates a loopback bus. MasterEnd() and SensorEnd() return the
// two sides; bytes written to one arrive readable from the other.
func NewBus() *Bus {
	toSensorR, toSensorW := io.Pipe()
	toMasterR, toMasterW := io.Pipe()
	return &Bus{
		masterSide: &busEnd{r: toMasterR, w: toSensorW},
		sensorSide: &busEnd{r: toSensorR, w: toMasterW},
	}
}

// MasterEnd returns the endpoint a Master capability implementation reads
// and writes through.
func (b *Bus) MasterEnd() Connection { return b.masterSide }

// SensorEnd returns the endpoint a Sensor capability implementation reads
// and writes through.
func (b *Bus) SensorEnd() Connection { return b.sensorSide }

// OpenConnection opens a serial connection per the --port/--baud-
// independent flags (SDI-12 fixes its own baud rate; --port just names
// the device).
func OpenConnection() (Connection, string, error) {
	if portName == "" {
		return nil, "", fmt.Errorf("--port must be specified")
	}

	conn, err := OpenSerialConnection(portName)
	if err != nil {
		return nil, "", err
	}

	return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, sdi12BaudRate), nil
}
