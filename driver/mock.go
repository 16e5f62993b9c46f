package driver

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"tooltalk-server/protocol"
)

// MockPort emulates an MT6000 controller behind the Port interface, for
// tests and for running the server without hardware.
type MockPort struct {
	mu      sync.Mutex
	readBuf *bytes.Buffer
	closed  bool

	cycleDelay time.Duration
	torqueCNm  int64 // last accepted target, echoed as the measurement
	cycleEnd   time.Time
	cycleArmed bool
}

var _ Port = (*MockPort)(nil)

// NewMockPort creates a mock controller that completes a tightening cycle
// after the given delay. A zero delay completes on the first result poll.
func NewMockPort(cycleDelay time.Duration) *MockPort {
	return &MockPort{
		readBuf:    new(bytes.Buffer),
		cycleDelay: cycleDelay,
	}
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.EOF
	}
	if m.readBuf.Len() == 0 {
		return 0, nil
	}
	return m.readBuf.Read(p)
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.ErrClosedPipe
	}

	frame := string(p)
	switch {
	case frame == protocol.CmdIdentify:
		m.readBuf.WriteString("MT6000 ATLAS 0040 OK\r\n")

	case frame == protocol.CmdRemoteEnable, frame == protocol.CmdRemoteDisable:
		m.readBuf.WriteString("0042 OK\r\n")

	case strings.HasPrefix(frame, "0001 0014 0043 "):
		var cnm int64
		if _, err := fmt.Sscanf(frame, "0001 0014 0043 %d", &cnm); err == nil {
			m.torqueCNm = cnm
			m.readBuf.WriteString("0043 OK\r\n")
		} else {
			m.readBuf.WriteString("0043 ERR\r\n")
		}

	case frame == protocol.CmdStartCycle:
		m.cycleArmed = true
		m.cycleEnd = time.Now().Add(m.cycleDelay)
		m.readBuf.WriteString("0041 OK\r\n")

	case frame == protocol.CmdLastResult:
		if m.cycleArmed && !time.Now().Before(m.cycleEnd) {
			m.cycleArmed = false
			fmt.Fprintf(m.readBuf, "%s %06d\r\n", protocol.ResultMarker, m.torqueCNm)
		} else {
			m.readBuf.WriteString("0033 BUSY\r\n")
		}
	}

	return len(p), nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Reset()
	return nil
}
