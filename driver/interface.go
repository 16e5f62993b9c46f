package driver

import (
	"fmt"
	"strings"
)

// Port defines the byte transport to a torque controller. Reads are
// non-blocking in the polling sense: a read with nothing pending returns
// (0, nil) after a short internal timeout, never blocks indefinitely.
type Port interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	ResetInputBuffer() error
}

const tcpScheme = "tcp://"

// IsNetwork reports whether the endpoint selects the TCP transport.
// TCP endpoints use the form "tcp://host:port"; everything else is treated
// as a serial device name (COM3, /dev/ttyUSB0, ...).
func IsNetwork(endpoint string) bool {
	return strings.HasPrefix(endpoint, tcpScheme)
}

// NetworkEndpoint builds a TCP endpoint from a controller address. A bare
// host gets the given port appended.
func NetworkEndpoint(host string, port int) string {
	if strings.Contains(host, ":") {
		return tcpScheme + host
	}
	return fmt.Sprintf("%s%s:%d", tcpScheme, host, port)
}

// networkHost extracts the host part of a TCP endpoint for the
// reachability check.
func networkHost(endpoint string) string {
	addr := strings.TrimPrefix(endpoint, tcpScheme)
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

// OpenPort opens the transport for an endpoint - physical serial or TCP
// depending on the endpoint form.
func OpenPort(endpoint string) (Port, error) {
	if IsNetwork(endpoint) {
		return openTCPPort(strings.TrimPrefix(endpoint, tcpScheme))
	}
	return openSerialPort(endpoint)
}
