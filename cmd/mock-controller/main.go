package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"strings"
	"time"
)

// Standalone MT6000 mock for development: answers the identification,
// remote-control, set-torque, start-cycle and last-result frames the way
// the real controller does, with a simulated tightening delay.

const resultMarker = "0200"

func main() {
	listen := flag.String("listen", ":4545", "TCP listen address")
	cycleDelay := flag.Duration("cycle-delay", 2*time.Second, "Simulated tightening cycle duration")
	flag.Parse()

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Println("Failed to start mock controller:", err)
		return
	}
	defer listener.Close()

	fmt.Println("=== Mock MT6000 Controller ===")
	fmt.Println("Listening on TCP", *listen)

	for {
		conn, err := listener.Accept()
		if err != nil {
			fmt.Println("Accept error:", err)
			continue
		}
		fmt.Println("[Mock] Client connected:", conn.RemoteAddr())
		go handleConnection(conn, *cycleDelay)
	}
}

func handleConnection(conn net.Conn, cycleDelay time.Duration) {
	defer conn.Close()

	var (
		torqueCNm  int
		cycleEnd   time.Time
		cycleArmed bool
	)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fmt.Println("[Mock] <-", line)

		switch {
		case line == "0001 0001 0040 0001":
			reply(conn, "MT6000 ATLAS 0040 OK")

		case line == "0001 0002 0042 0001", line == "0001 0002 0042 0000":
			reply(conn, "0042 OK")

		case strings.HasPrefix(line, "0001 0014 0043 "):
			if _, err := fmt.Sscanf(line, "0001 0014 0043 %d", &torqueCNm); err == nil {
				reply(conn, "0043 OK")
			} else {
				reply(conn, "0043 ERR")
			}

		case line == "0001 0018 0041 0001":
			cycleArmed = true
			cycleEnd = time.Now().Add(cycleDelay)
			fmt.Printf("[Mock] Tightening cycle started (%v)\n", cycleDelay)
			reply(conn, "0041 OK")

		case line == "0001 0033 0200":
			if cycleArmed && !time.Now().Before(cycleEnd) {
				cycleArmed = false
				reply(conn, fmt.Sprintf("%s %06d", resultMarker, torqueCNm))
			} else {
				reply(conn, "0033 BUSY")
			}

		default:
			reply(conn, "ERR UNKNOWN")
		}
	}
	fmt.Println("[Mock] Connection closed")
}

func reply(conn net.Conn, line string) {
	fmt.Println("[Mock] ->", line)
	conn.Write([]byte(line + "\r\n"))
}
