package driver

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tooltalk-server/protocol"
)

// scriptPort is a Port that answers each written frame with a canned
// response and records everything for assertions.
type scriptPort struct {
	mu        sync.Mutex
	responses map[string]string
	pending   bytes.Buffer
	writes    []string
	closes    int
	writeErr  error
}

func newScriptPort(responses map[string]string) *scriptPort {
	return &scriptPort{responses: responses}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Len() == 0 {
		return 0, nil
	}
	return p.pending.Read(b)
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	frame := string(b)
	p.writes = append(p.writes, frame)
	if resp, ok := p.responses[frame]; ok {
		p.pending.WriteString(resp)
	}
	return len(b), nil
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *scriptPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Reset()
	return nil
}

func (p *scriptPort) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *scriptPort) wrote(frame string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.writes {
		if w == frame {
			return true
		}
	}
	return false
}

func (p *scriptPort) setWriteErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// testTimeouts shrinks every bound so the full suite stays fast while the
// deadline semantics stay intact.
func testTimeouts() Timeouts {
	return Timeouts{
		CommandDelay:  time.Millisecond,
		Settle:        time.Millisecond,
		ProbeWait:     time.Millisecond,
		Response:      50 * time.Millisecond,
		PollInterval:  2 * time.Millisecond,
		CycleDeadline: 250 * time.Millisecond,
		Ping:          time.Millisecond,
		SimulateDelay: time.Millisecond,
	}
}

func newTestLink(t *testing.T, port Port, opts ...Option) (*Link, *int) {
	t.Helper()
	opens := new(int)
	base := []Option{
		WithTimeouts(testTimeouts()),
		WithRand(rand.New(rand.NewSource(1))),
		WithOpener(func(string) (Port, error) {
			(*opens)++
			if port == nil {
				return nil, errors.New("no port available")
			}
			return port, nil
		}),
		WithReachabilityCheck(func(string, time.Duration) bool { return true }),
	}
	return NewLink(zerolog.Nop(), append(base, opts...)...), opens
}

func TestProbeNeverMutatesState(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdIdentify: "MT6000 ATLAS REV 2.1\r\n",
	})
	link, opens := newTestLink(t, port)

	require.Equal(t, Disconnected, link.State())
	require.True(t, link.Probe("/dev/ttyUSB0"))
	require.Equal(t, Disconnected, link.State())
	require.Equal(t, *opens, port.closeCount(), "temporary transport must be closed")

	// Failure path: same invariants.
	dead := newScriptPort(map[string]string{})
	link, opens = newTestLink(t, dead)
	require.False(t, link.Probe("/dev/ttyUSB0"))
	require.Equal(t, Disconnected, link.State())
	require.Equal(t, *opens, dead.closeCount())
}

func TestProbeIdentificationTokens(t *testing.T) {
	for _, banner := range []string{"MT6000\r\n", "atlas copco\r\n", "0040 ready\r\n", "ok\r\n"} {
		port := newScriptPort(map[string]string{protocol.CmdIdentify: banner})
		link, _ := newTestLink(t, port)
		assert.True(t, link.Probe("/dev/ttyUSB0"), "banner %q", banner)
	}

	port := newScriptPort(map[string]string{protocol.CmdIdentify: "ERR 17\r\n"})
	link, _ := newTestLink(t, port)
	assert.False(t, link.Probe("/dev/ttyUSB0"))
}

func TestProbeUnreachableHostSkipsDial(t *testing.T) {
	port := newScriptPort(map[string]string{protocol.CmdIdentify: "MT6000\r\n"})
	link, opens := newTestLink(t, port,
		WithReachabilityCheck(func(string, time.Duration) bool { return false }))

	require.False(t, link.Probe("tcp://192.168.1.50:4545"))
	require.Equal(t, 0, *opens, "no socket connect after failed reachability check")

	// Serial endpoints never go through the reachability gate.
	require.True(t, link.Probe("/dev/ttyUSB0"))
}

func TestConnectSuccess(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable: "0042 OK\r\n",
	})
	link, _ := newTestLink(t, port)

	require.True(t, link.Connect("/dev/ttyUSB0"))
	require.Equal(t, Connected, link.State())
	require.True(t, port.wrote(protocol.CmdRemoteEnable))

	status := link.Status()
	require.True(t, status.Connected)
	require.Equal(t, "/dev/ttyUSB0", status.Endpoint)
}

func TestConnectRejectedClosesTransport(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable: "0042 ERR\r\n",
	})
	link, opens := newTestLink(t, port)

	require.False(t, link.Connect("/dev/ttyUSB0"))
	require.Equal(t, Disconnected, link.State())
	require.Equal(t, *opens, port.closeCount(), "close count must match open count")
}

func TestConnectEmptyResponseFails(t *testing.T) {
	port := newScriptPort(map[string]string{})
	link, opens := newTestLink(t, port)

	require.False(t, link.Connect("/dev/ttyUSB0"))
	require.Equal(t, Disconnected, link.State())
	require.Equal(t, *opens, port.closeCount())
}

func TestConnectOpenFailure(t *testing.T) {
	link, opens := newTestLink(t, nil)

	require.False(t, link.Connect("/dev/ttyUSB0"))
	require.Equal(t, Disconnected, link.State())
	require.Equal(t, 1, *opens)
	require.NotEmpty(t, link.Status().LastError)
}

func TestConnectUnreachableHost(t *testing.T) {
	port := newScriptPort(map[string]string{protocol.CmdRemoteEnable: "0042 OK\r\n"})
	link, opens := newTestLink(t, port,
		WithReachabilityCheck(func(string, time.Duration) bool { return false }))

	require.False(t, link.Connect("tcp://192.168.1.50:4545"))
	require.Equal(t, 0, *opens)
}

func TestReconnectClosesPriorTransport(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable: "0042 OK\r\n",
	})
	link, opens := newTestLink(t, port)

	require.True(t, link.Connect("/dev/ttyUSB0"))
	require.True(t, link.Connect("/dev/ttyUSB0"))
	require.Equal(t, 2, *opens)
	require.Equal(t, 1, port.closeCount(), "prior transport closed before reopening")
}

func TestDisconnectAlwaysEndsDisconnected(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable: "0042 OK\r\n",
	})
	link, _ := newTestLink(t, port)
	require.True(t, link.Connect("/dev/ttyUSB0"))

	// The best-effort disable command fails; disconnect must still land
	// in Disconnected with the transport closed.
	port.setWriteErr(errors.New("port gone"))
	link.Disconnect()
	require.Equal(t, Disconnected, link.State())
	require.Equal(t, 1, port.closeCount())

	// Disconnecting again is a no-op, not a panic.
	link.Disconnect()
	require.Equal(t, Disconnected, link.State())
}

func TestRunTorqueTestNotConnected(t *testing.T) {
	link, opens := newTestLink(t, nil)

	start := time.Now()
	_, err := link.RunTorqueTest("A", 24.0)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, *opens, "no transport I/O while disconnected")
	require.Less(t, time.Since(start), 50*time.Millisecond, "must fail immediately")
}

func TestRunTorqueTestParsesResult(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable:        "0042 OK\r\n",
		protocol.SetTorqueCommand(24.0): "0043 OK\r\n",
		protocol.CmdStartCycle:          "0041 OK\r\n",
		protocol.CmdLastResult:          "0200 002400\r\n",
	})
	link, _ := newTestLink(t, port)
	require.True(t, link.Connect("/dev/ttyUSB0"))

	result, err := link.RunTorqueTest("A", 24.0)
	require.NoError(t, err)
	assert.Equal(t, "A", result.HoleLabel)
	assert.Equal(t, 24.0, result.TargetTorque)
	assert.Equal(t, 24.0, result.ActualTorque)
	assert.False(t, result.Fallback)
	assert.False(t, result.Timestamp.IsZero())
	assert.True(t, port.wrote("0001 0014 0043 2400\r\n"))
	assert.True(t, port.wrote(protocol.CmdStartCycle))
}

func TestRunTorqueTestFallbackWithinBounds(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable:        "0042 OK\r\n",
		protocol.SetTorqueCommand(24.0): "0043 OK\r\n",
		protocol.CmdLastResult:          "0200 DONE\r\n", // marker but no measurement
	})
	link, _ := newTestLink(t, port)
	require.True(t, link.Connect("/dev/ttyUSB0"))

	result, err := link.RunTorqueTest("A", 24.0)
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.GreaterOrEqual(t, result.ActualTorque, 23.5)
	assert.LessOrEqual(t, result.ActualTorque, 24.5)
}

func TestRunTorqueTestTargetRejected(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable:        "0042 OK\r\n",
		protocol.SetTorqueCommand(24.0): "0043 ERR\r\n",
	})
	link, _ := newTestLink(t, port)
	require.True(t, link.Connect("/dev/ttyUSB0"))

	_, err := link.RunTorqueTest("A", 24.0)
	require.ErrorIs(t, err, ErrTargetRejected)
	require.False(t, port.wrote(protocol.CmdStartCycle), "cycle must not start after rejection")
}

func TestRunTorqueTestCycleTimeout(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable:        "0042 OK\r\n",
		protocol.SetTorqueCommand(24.0): "0043 OK\r\n",
		protocol.CmdLastResult:          "0033 BUSY\r\n", // never a result marker
	})
	link, _ := newTestLink(t, port)
	require.True(t, link.Connect("/dev/ttyUSB0"))

	start := time.Now()
	_, err := link.RunTorqueTest("A", 24.0)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrCycleTimeout)
	deadline := testTimeouts().CycleDeadline
	assert.GreaterOrEqual(t, elapsed, deadline, "must poll until the deadline")
	assert.Less(t, elapsed, 4*deadline, "must not poll far past the deadline")
}

func TestSimulateTorqueTest(t *testing.T) {
	link, opens := newTestLink(t, nil)

	result := link.SimulateTorqueTest("B", 20.0)
	assert.Equal(t, "B", result.HoleLabel)
	assert.Equal(t, 20.0, result.TargetTorque)
	assert.GreaterOrEqual(t, result.ActualTorque, 18.5)
	assert.LessOrEqual(t, result.ActualTorque, 21.5)
	assert.False(t, result.Timestamp.IsZero())
	assert.False(t, result.Fallback)

	require.Equal(t, 0, *opens, "simulation never touches a transport")
	require.Equal(t, Disconnected, link.State())
}

func TestSimulateTorqueTestDeterministicWhenSeeded(t *testing.T) {
	a, _ := newTestLink(t, nil, WithRand(rand.New(rand.NewSource(9))))
	b, _ := newTestLink(t, nil, WithRand(rand.New(rand.NewSource(9))))
	require.Equal(t, a.SimulateTorqueTest("C", 15.0).ActualTorque,
		b.SimulateTorqueTest("C", 15.0).ActualTorque)
}

func TestStatusCallbackFiresOnTransitions(t *testing.T) {
	port := newScriptPort(map[string]string{
		protocol.CmdRemoteEnable: "0042 OK\r\n",
	})

	var mu sync.Mutex
	var states []string
	link, _ := newTestLink(t, port, WithStatusCallback(func(s LinkStatus) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	}))

	require.True(t, link.Connect("/dev/ttyUSB0"))
	link.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"CONNECTED", "DISCONNECTED"}, states)
}

func TestLinkAgainstMockController(t *testing.T) {
	// MockPort closes are terminal, so probe and connect each get a
	// fresh one.
	probeLink, _ := newTestLink(t, NewMockPort(0))
	require.True(t, probeLink.Probe("/dev/ttyUSB0"))

	link, _ := newTestLink(t, NewMockPort(0))
	require.True(t, link.Connect("/dev/ttyUSB0"))

	result, err := link.RunTorqueTest("D", 18.5)
	require.NoError(t, err)
	assert.Equal(t, 18.5, result.ActualTorque, "mock echoes the accepted target")
	assert.False(t, result.Fallback)
}

func TestEndpointHelpers(t *testing.T) {
	assert.True(t, IsNetwork("tcp://192.168.1.50:4545"))
	assert.False(t, IsNetwork("/dev/ttyUSB0"))
	assert.False(t, IsNetwork("COM3"))

	assert.Equal(t, "tcp://192.168.1.50:4545", NetworkEndpoint("192.168.1.50", 4545))
	assert.Equal(t, "tcp://192.168.1.50:9999", NetworkEndpoint("192.168.1.50:9999", 4545))
	assert.Equal(t, "192.168.1.50", networkHost("tcp://192.168.1.50:4545"))
	assert.Equal(t, "192.168.1.50", networkHost("tcp://192.168.1.50"))
}

func TestFilterEndpoints(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("device naming differs on windows")
	}
	candidates := []string{
		"tcp://192.168.1.50:4545",
		"tcp://192.168.1.50:4545", // duplicate
		"/dev/ttyUSB0",
		"/dev/tty.Bluetooth-Incoming-Port",
	}
	filtered := filterEndpoints(candidates)
	assert.Equal(t, []string{"tcp://192.168.1.50:4545", "/dev/ttyUSB0"}, filtered)
}

func TestMockPortCycleDelay(t *testing.T) {
	mock := NewMockPort(50 * time.Millisecond)
	link, _ := newTestLink(t, mock)
	require.True(t, link.Connect("/dev/ttyUSB0"))

	start := time.Now()
	result, err := link.RunTorqueTest("E", 12.0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 12.0, result.ActualTorque)
}

func ExampleLink_SimulateTorqueTest() {
	link := NewLink(zerolog.Nop(),
		WithRand(rand.New(rand.NewSource(3))),
		WithTimeouts(Timeouts{SimulateDelay: 0}))
	result := link.SimulateTorqueTest("A", 24.0)
	fmt.Println(result.HoleLabel, result.TargetTorque)
	// Output: A 24
}
