package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tooltalk-server/driver"
	"tooltalk-server/results"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Request is a command from the wizard UI.
type Request struct {
	Command   string  `json:"command"` // PROBE, CONNECT, DISCONNECT, RUN_TEST, SIMULATE, STATUS, RESULTS, EXPORT, RESET
	Endpoint  string  `json:"endpoint,omitempty"`
	HoleLabel string  `json:"hole_label,omitempty"`
	Torque    float64 `json:"torque,omitempty"`
	Sample    int     `json:"sample,omitempty"`
}

// Response is sent back for every command and for status pushes.
type Response struct {
	Status  string      `json:"status"` // "success", "error", "processing", "status"
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer per
// connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(status, message string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteJSON(Response{Status: status, Message: message, Data: data})
}

// Handler bridges the wizard UI to the controller link.
type Handler struct {
	link       *driver.Link
	collector  *results.Collector
	resultsDir string
	log        zerolog.Logger

	opMu sync.Mutex // one link operation at a time per server instance

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
}

func NewHandler(link *driver.Link, collector *results.Collector, resultsDir string, log zerolog.Logger) *Handler {
	return &Handler{
		link:       link,
		collector:  collector,
		resultsDir: resultsDir,
		log:        log.With().Str("component", "api").Logger(),
		conns:      make(map[*wsConn]struct{}),
	}
}

// Broadcast pushes a link status snapshot to every connected client. Wired
// as the link's status callback.
func (h *Handler) Broadcast(status driver.LinkStatus) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	for c := range h.conns {
		c.send("status", status.State, status)
	}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsConn{conn: conn}

	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()

	defer func() {
		h.connsMu.Lock()
		delete(h.conns, c)
		h.connsMu.Unlock()
		conn.Close()
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		go h.handleRequest(c, req)
	}
}

func (h *Handler) handleRequest(c *wsConn, req Request) {
	// Status and result queries never touch the transport and bypass the
	// operation lock.
	switch req.Command {
	case "STATUS":
		c.send("success", "link status", h.link.Status())
		return
	case "RESULTS":
		c.send("success", "collected results", h.collector.Items())
		return
	}

	if !h.opMu.TryLock() {
		c.send("error", "link is busy", nil)
		return
	}
	defer h.opMu.Unlock()

	switch req.Command {
	case "PROBE":
		if h.link.Probe(req.Endpoint) {
			c.send("success", "controller identified", nil)
		} else {
			c.send("error", "no controller on "+req.Endpoint, nil)
		}

	case "CONNECT":
		c.send("processing", "connecting to "+req.Endpoint, nil)
		if h.link.Connect(req.Endpoint) {
			c.send("success", "connected", h.link.Status())
		} else {
			c.send("error", "connect failed", h.link.Status())
		}

	case "DISCONNECT":
		h.link.Disconnect()
		c.send("success", "disconnected", h.link.Status())

	case "RUN_TEST":
		c.send("processing", "running torque test for hole "+req.HoleLabel, nil)
		result, err := h.link.RunTorqueTest(req.HoleLabel, req.Torque)
		if err != nil {
			c.send("error", err.Error(), nil)
			return
		}
		h.collector.Add(req.Sample, result)
		c.send("success", "torque test complete", result)

	case "SIMULATE":
		result := h.link.SimulateTorqueTest(req.HoleLabel, req.Torque)
		h.collector.Add(req.Sample, result)
		c.send("success", "simulated torque test complete", result)

	case "EXPORT":
		connectionID := req.Endpoint
		if connectionID == "" {
			connectionID = h.link.Status().Endpoint
		}
		path, err := results.ExportFile(h.resultsDir, connectionID, req.Torque, h.collector.Items())
		if err != nil {
			c.send("error", "export failed: "+err.Error(), nil)
			return
		}
		c.send("success", "results exported", map[string]string{"path": path})

	case "RESET":
		h.collector.Reset()
		c.send("success", "results cleared", nil)

	default:
		c.send("error", "unknown command "+req.Command, nil)
	}
}
