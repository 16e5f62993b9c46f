package driver

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// ReachabilityCheck reports whether a controller host answers ICMP within
// the timeout. The network transport requires this to pass before any TCP
// handshake is attempted.
type ReachabilityCheck func(host string, timeout time.Duration) bool

// pingHost shells out to the system ping utility, one packet. There is no
// raw-socket fallback: unprivileged ICMP is not portable, the external
// utility is.
func pingHost(host string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	var args []string
	if runtime.GOOS == "windows" {
		args = []string{"-n", "1", "-w", strconv.FormatInt(timeout.Milliseconds(), 10), host}
	} else {
		secs := int(timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		args = []string{"-c", "1", "-W", strconv.Itoa(secs), host}
	}

	return exec.CommandContext(ctx, "ping", args...).Run() == nil
}
