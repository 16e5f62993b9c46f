package driver

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// MT6000 serial parameters are fixed: 19200 baud, 8 data bits, no parity,
// one stop bit, no flow control.
const BaudRate = 19200

// SerialPort wraps go.bug.st/serial for the RS232 transport.
type SerialPort struct {
	serial.Port
	portName string
}

var _ Port = (*SerialPort)(nil)

// openSerialPort opens a physical serial port with the controller's fixed
// parameters.
func openSerialPort(portName string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}

	// Short read timeout so the link's own deadlines drive all waiting.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
	}

	return &SerialPort{Port: port, portName: portName}, nil
}

func (p *SerialPort) GetPortName() string {
	return p.portName
}
