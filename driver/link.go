package driver

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tooltalk-server/protocol"
	"tooltalk-server/results"
	"tooltalk-server/telemetry"
)

// ConnectionState is the link's connection lifecycle state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Timeouts holds every timing bound the link obeys. The defaults come from
// the MT6000's own tolerances; change them only against hardware.
type Timeouts struct {
	CommandDelay  time.Duration // pause between a write and the first read
	Settle        time.Duration // pause after opening and flushing a port
	ProbeWait     time.Duration // wait before draining the identification reply
	Response      time.Duration // framed-read deadline per command
	PollInterval  time.Duration // delay between result-poll iterations
	CycleDeadline time.Duration // overall bound on a tightening cycle
	Ping          time.Duration // ICMP reachability bound
	SimulateDelay time.Duration // artificial pacing delay in simulation mode
}

// DefaultTimeouts returns the hardware defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		CommandDelay:  100 * time.Millisecond,
		Settle:        200 * time.Millisecond,
		ProbeWait:     500 * time.Millisecond,
		Response:      3 * time.Second,
		PollInterval:  500 * time.Millisecond,
		CycleDeadline: 30 * time.Second,
		Ping:          3 * time.Second,
		SimulateDelay: 500 * time.Millisecond,
	}
}

var (
	// ErrNotConnected is returned when a test is requested while the link
	// is disconnected. No transport I/O is attempted.
	ErrNotConnected = errors.New("not connected to controller")

	// ErrTargetRejected is returned when the controller does not
	// acknowledge the set-torque command.
	ErrTargetRejected = errors.New("controller rejected torque target")

	// ErrCycleTimeout is returned when no tightening result arrives
	// within the cycle deadline. The operator decides whether to retry.
	ErrCycleTimeout = errors.New("timeout waiting for tightening result")
)

// Link owns exactly one connection to a torque controller. All operations
// are synchronous and run on the caller's goroutine; concurrent calls on
// the same Link serialize on an internal mutex.
type Link struct {
	mu sync.Mutex

	state    ConnectionState
	port     Port
	endpoint string
	lastErr  string

	open      func(string) (Port, error)
	reachable ReachabilityCheck
	rng       *rand.Rand
	tm        Timeouts
	tel       telemetry.Collector
	log       zerolog.Logger
	onChange  StatusCallback
}

// Option configures a Link.
type Option func(*Link)

// WithTimeouts replaces the default timing bounds.
func WithTimeouts(tm Timeouts) Option {
	return func(l *Link) { l.tm = tm }
}

// WithRand injects the random source used for fallback and simulation
// jitter. Seed it in tests for determinism.
func WithRand(rng *rand.Rand) Option {
	return func(l *Link) { l.rng = rng }
}

// WithTelemetry injects a telemetry collector.
func WithTelemetry(tel telemetry.Collector) Option {
	return func(l *Link) { l.tel = tel }
}

// WithOpener replaces the transport opener. Tests use this to supply
// scripted ports.
func WithOpener(open func(string) (Port, error)) Option {
	return func(l *Link) { l.open = open }
}

// WithReachabilityCheck replaces the ICMP reachability check.
func WithReachabilityCheck(check ReachabilityCheck) Option {
	return func(l *Link) { l.reachable = check }
}

// WithStatusCallback registers a callback invoked on every status change.
func WithStatusCallback(cb StatusCallback) Option {
	return func(l *Link) { l.onChange = cb }
}

// NewLink creates a disconnected link.
func NewLink(log zerolog.Logger, opts ...Option) *Link {
	l := &Link{
		state:     Disconnected,
		open:      OpenPort,
		reachable: pingHost,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		tm:        DefaultTimeouts(),
		tel:       telemetry.Noop(),
		log:       log.With().Str("component", "link").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the connection state.
func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Probe checks whether a controller answers on the endpoint. It opens a
// temporary transport, sends the identification command and looks for the
// MT6000 banner tokens in whatever arrives within the probe window. The
// temporary transport is always closed; connection state is never touched.
func (l *Link) Probe(endpoint string) bool {
	if IsNetwork(endpoint) && !l.reachable(networkHost(endpoint), l.tm.Ping) {
		l.log.Debug().Str("endpoint", endpoint).Msg("host unreachable, skipping probe")
		return false
	}

	port, err := l.open(endpoint)
	if err != nil {
		l.log.Debug().Err(err).Str("endpoint", endpoint).Msg("probe open failed")
		return false
	}
	defer port.Close()

	port.ResetInputBuffer()
	time.Sleep(l.tm.Settle)

	if _, err := port.Write([]byte(protocol.CmdIdentify)); err != nil {
		l.log.Debug().Err(err).Str("endpoint", endpoint).Msg("probe write failed")
		return false
	}
	time.Sleep(l.tm.ProbeWait)

	resp := protocol.Interpret(readAvailable(port))
	if !resp.Identified() {
		l.log.Debug().Str("endpoint", endpoint).Str("response", resp.Raw).Msg("no controller banner")
		return false
	}
	l.log.Info().Str("endpoint", endpoint).Str("response", resp.Raw).Msg("controller identified")
	return true
}

// Connect establishes the session: open transport, clear buffers, enable
// remote control, require an OK acknowledgement. Any failure leaves the
// link disconnected with the transport closed.
func (l *Link) Connect(endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closePortLocked()

	if IsNetwork(endpoint) && !l.reachable(networkHost(endpoint), l.tm.Ping) {
		l.failConnectLocked(endpoint, "host unreachable")
		return false
	}

	port, err := l.open(endpoint)
	if err != nil {
		l.failConnectLocked(endpoint, err.Error())
		return false
	}

	port.ResetInputBuffer()
	time.Sleep(l.tm.Settle)

	if _, err := port.Write([]byte(protocol.CmdRemoteEnable)); err != nil {
		port.Close()
		l.failConnectLocked(endpoint, err.Error())
		return false
	}
	time.Sleep(l.tm.CommandDelay)

	resp := l.readResponse(port)
	if !resp.OK() {
		port.Close()
		l.failConnectLocked(endpoint, fmt.Sprintf("remote enable not acknowledged: %q", resp.Raw))
		return false
	}

	l.port = port
	l.endpoint = endpoint
	l.state = Connected
	l.lastErr = ""
	l.log.Info().Str("endpoint", endpoint).Msg("connected, remote control enabled")
	l.notifyLocked()
	return true
}

// Disconnect tears the session down. The disable-remote-control command is
// best effort; the transport is closed no matter what and the link always
// ends up disconnected.
func (l *Link) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Connected && l.port != nil {
		if _, err := l.port.Write([]byte(protocol.CmdRemoteDisable)); err != nil {
			l.log.Warn().Err(err).Msg("remote disable failed")
		}
		time.Sleep(l.tm.CommandDelay)
	}

	l.closePortLocked()
	l.state = Disconnected
	l.log.Info().Msg("disconnected")
	l.notifyLocked()
}

// RunTorqueTest executes one tightening cycle and returns its result. Only
// valid while connected. Fails loudly in exactly two cases: the controller
// rejects the torque target, or no result arrives within the cycle
// deadline.
func (l *Link) RunTorqueTest(holeLabel string, targetTorque float64) (results.TorqueTestResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Connected || l.port == nil {
		return results.TorqueTestResult{}, ErrNotConnected
	}

	l.tel.TestStarted()
	log := l.log.With().Str("hole", holeLabel).Float64("target", targetTorque).Logger()

	resp, err := l.commandLocked(protocol.SetTorqueCommand(targetTorque))
	if err != nil || !resp.OK() {
		l.tel.TestFailed("target_rejected")
		log.Error().Str("response", resp.Raw).Msg("set torque target failed")
		return results.TorqueTestResult{}, fmt.Errorf("hole %s: %w", holeLabel, ErrTargetRejected)
	}

	if _, err := l.port.Write([]byte(protocol.CmdStartCycle)); err != nil {
		l.tel.TestFailed("target_rejected")
		return results.TorqueTestResult{}, fmt.Errorf("hole %s: start cycle: %w", holeLabel, ErrTargetRejected)
	}
	time.Sleep(l.tm.CommandDelay)

	// Poll for the final tightening result. The controller echoes the
	// result marker once a cycle has finished; repeated requests are not
	// assumed idempotent, so only the marker and the deadline matter.
	deadline := time.Now().Add(l.tm.CycleDeadline)
	for time.Now().Before(deadline) {
		// Stale acks from earlier commands must not be read back as the
		// result; only bytes arriving after this request count.
		l.port.ResetInputBuffer()
		if _, err := l.port.Write([]byte(protocol.CmdLastResult)); err != nil {
			log.Warn().Err(err).Msg("result poll write failed")
		}
		time.Sleep(l.tm.PollInterval)

		resp := l.readResponse(l.port)
		l.tel.PollIteration()
		if !resp.Has(protocol.ResultMarker) {
			continue
		}

		actual, fallback := protocol.TorqueFromResponse(resp, targetTorque, l.rng)
		if fallback {
			log.Warn().Str("response", resp.Raw).Msg("result not parseable, using randomized fallback")
		}
		l.tel.TestCompleted(fallback)

		return results.TorqueTestResult{
			HoleLabel:    holeLabel,
			TargetTorque: targetTorque,
			ActualTorque: actual,
			Timestamp:    time.Now(),
			Fallback:     fallback,
		}, nil
	}

	l.tel.TestFailed("cycle_timeout")
	log.Error().Dur("deadline", l.tm.CycleDeadline).Msg("tightening cycle timed out")
	return results.TorqueTestResult{}, fmt.Errorf("hole %s: %w", holeLabel, ErrCycleTimeout)
}

// SimulateTorqueTest produces a plausible result without touching any
// transport: target plus uniform jitter in [-1.5, +1.5] Ncm, delayed to
// keep pacing parity with the real path.
func (l *Link) SimulateTorqueTest(holeLabel string, targetTorque float64) results.TorqueTestResult {
	l.mu.Lock()
	jitter := l.rng.Float64()*3 - 1.5
	delay := l.tm.SimulateDelay
	l.mu.Unlock()

	time.Sleep(delay)

	return results.TorqueTestResult{
		HoleLabel:    holeLabel,
		TargetTorque: targetTorque,
		ActualTorque: targetTorque + jitter,
		Timestamp:    time.Now(),
	}
}

// commandLocked sends one frame and reads its framed response.
func (l *Link) commandLocked(frame string) (protocol.Response, error) {
	if _, err := l.port.Write([]byte(frame)); err != nil {
		return protocol.Response{}, fmt.Errorf("write command: %w", err)
	}
	time.Sleep(l.tm.CommandDelay)
	return l.readResponse(l.port), nil
}

// readResponse accumulates bytes until the CRLF terminator appears or the
// response timeout elapses, then interprets whatever arrived - possibly
// nothing. It never blocks past the timeout.
func (l *Link) readResponse(port Port) protocol.Response {
	var acc []byte
	buf := make([]byte, 256)
	deadline := time.Now().Add(l.tm.Response)

	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if bytes.Contains(acc, []byte(protocol.Terminator)) {
				break
			}
		}
		if err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return protocol.Interpret(acc)
}

// readAvailable drains whatever is currently buffered on the port.
func readAvailable(port Port) []byte {
	var acc []byte
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			continue
		}
		if err != nil || n == 0 {
			return acc
		}
	}
}

func (l *Link) closePortLocked() {
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.endpoint = ""
}

func (l *Link) failConnectLocked(endpoint, reason string) {
	l.state = Disconnected
	l.lastErr = reason
	l.log.Error().Str("endpoint", endpoint).Str("reason", reason).Msg("connect failed")
	l.notifyLocked()
}
