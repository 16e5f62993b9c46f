package driver

import (
	"fmt"
	"net"
	"time"
)

// DefaultTCPPort is the controller's fixed listening port for the network
// transport.
const DefaultTCPPort = 4545

// TCPPort wraps a TCP connection as a Port. Used for network-attached
// controllers and for the mock controller during development.
type TCPPort struct {
	conn    net.Conn
	address string
}

var _ Port = (*TCPPort)(nil)

// openTCPPort connects to a controller at "host:port".
func openTCPPort(address string) (Port, error) {
	conn, err := net.DialTimeout("tcp", address, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return &TCPPort{conn: conn, address: address}, nil
}

func (t *TCPPort) Read(p []byte) (n int, err error) {
	// Per-read deadline so a read behaves like a poll, never a block.
	t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, err = t.conn.Read(p)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return n, nil
	}
	return n, err
}

func (t *TCPPort) Write(p []byte) (n int, err error) {
	return t.conn.Write(p)
}

func (t *TCPPort) Close() error {
	return t.conn.Close()
}

func (t *TCPPort) ResetInputBuffer() error {
	buf := make([]byte, 1024)
	t.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	for {
		n, _ := t.conn.Read(buf)
		if n == 0 {
			break
		}
	}
	return nil
}

// GetAddress returns the TCP address for logging.
func (t *TCPPort) GetAddress() string {
	return t.address
}
