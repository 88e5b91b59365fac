// Package khepera talks to a Khepera-II robot over its ASCII serial
// protocol: one newline-terminated command, one response line.
package khepera

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// Port is the minimal byte stream a Link needs. A serial.Port satisfies it,
// and so does the Simulator.
type Port interface {
	io.ReadWriter
	io.Closer
}

// PortOptions are the serial line settings.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// DefaultPortOptions matches the robot's factory serial setting: 9600 baud,
// 8 data bits, no parity, 2 stop bits.
func DefaultPortOptions() PortOptions {
	return PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 2, Parity: "N"}
}

var (
	stopBitModes = map[int]serial.StopBits{1: serial.OneStopBit, 2: serial.TwoStopBits}
	parityModes  = map[string]serial.Parity{
		"N": serial.NoParity, "NONE": serial.NoParity,
		"E": serial.EvenParity, "EVEN": serial.EvenParity,
		"O": serial.OddParity, "ODD": serial.OddParity,
	}
)

// Normalize fills unset fields from DefaultPortOptions, reduces the parity
// to its letter and reports every unsupported setting.
func (o PortOptions) Normalize() (PortOptions, error) {
	def := DefaultPortOptions()
	o.BaudRate = cmp.Or(max(o.BaudRate, 0), def.BaudRate)
	o.DataBits = cmp.Or(o.DataBits, def.DataBits)
	o.StopBits = cmp.Or(o.StopBits, def.StopBits)
	parity := cmp.Or(strings.ToUpper(strings.TrimSpace(o.Parity)), def.Parity)

	var errs []error
	if o.DataBits < 5 || o.DataBits > 8 {
		errs = append(errs, fmt.Errorf("invalid data bits %d: want 5 to 8", o.DataBits))
	}
	if _, ok := stopBitModes[o.StopBits]; !ok {
		errs = append(errs, fmt.Errorf("invalid stop bits %d: want 1 or 2", o.StopBits))
	}
	if _, ok := parityModes[parity]; ok {
		o.Parity = parity[:1]
	} else {
		errs = append(errs, fmt.Errorf("unsupported parity %q: want N, E or O", o.Parity))
	}
	return o, errors.Join(errs...)
}

// SerialMode converts the options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: stopBitModes[opts.StopBits],
		Parity:   parityModes[opts.Parity],
	}, nil
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("serial options: %w", err)
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial devices present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
