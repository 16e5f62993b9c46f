package driver

import (
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// Scanner discovers a controller without operator input: it enumerates
// candidate serial ports plus any configured network endpoints, probes
// each, and connects the link to the first one that answers.
type Scanner struct {
	link      *Link
	endpoints []string // network endpoints to try alongside serial ports
	interval  time.Duration
	stop      chan struct{}
	log       zerolog.Logger
}

// NewScanner creates a scanner for the given link. Extra endpoints (in
// "tcp://host:port" form) are probed after the discovered serial ports.
func NewScanner(link *Link, extraEndpoints []string, interval time.Duration, log zerolog.Logger) *Scanner {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Scanner{
		link:      link,
		endpoints: extraEndpoints,
		interval:  interval,
		stop:      make(chan struct{}),
		log:       log.With().Str("component", "scanner").Logger(),
	}
}

// Start begins the scanning loop: an initial burst, then periodic rescans
// while the link is disconnected.
func (s *Scanner) Start() {
	go func() {
		s.log.Info().Msg("starting controller scanner")

		for i := 0; i < 3; i++ {
			if s.scanAndConnect() {
				return
			}
			time.Sleep(1 * time.Second)
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				s.log.Info().Msg("scanner stopped")
				return
			case <-ticker.C:
				if s.link.State() != Connected {
					s.scanAndConnect()
				}
			}
		}
	}()
}

func (s *Scanner) Stop() {
	close(s.stop)
}

func (s *Scanner) scanAndConnect() bool {
	candidates := s.discover()
	if len(candidates) == 0 {
		s.log.Info().Msg("no candidate endpoints found")
		return false
	}
	s.log.Debug().Strs("candidates", candidates).Msg("probing candidates")

	for _, endpoint := range candidates {
		if !s.link.Probe(endpoint) {
			continue
		}
		s.log.Info().Str("endpoint", endpoint).Msg("controller found")
		if s.link.Connect(endpoint) {
			return true
		}
	}

	s.log.Info().Msg("no controller found in this scan cycle")
	return false
}

func (s *Scanner) discover() []string {
	var candidates []string

	ports, err := serial.GetPortsList()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list serial ports")
	} else {
		candidates = append(candidates, ports...)
	}

	candidates = append(candidates, s.endpoints...)
	return filterEndpoints(candidates)
}

// filterEndpoints drops devices that cannot be a controller and
// deduplicates.
func filterEndpoints(candidates []string) []string {
	var filtered []string
	seen := make(map[string]bool)

	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true

		if IsNetwork(c) {
			filtered = append(filtered, c)
			continue
		}

		if runtime.GOOS == "windows" {
			if strings.HasPrefix(strings.ToUpper(c), "COM") {
				filtered = append(filtered, c)
			}
			continue
		}

		lower := strings.ToLower(c)
		if strings.Contains(lower, "bluetooth") {
			continue
		}
		if strings.Contains(lower, "ttyusb") ||
			strings.Contains(lower, "ttyacm") ||
			strings.Contains(lower, "usbserial") ||
			strings.Contains(lower, "cu.") ||
			strings.Contains(lower, "ttys") {
			filtered = append(filtered, c)
		}
	}

	return filtered
}
