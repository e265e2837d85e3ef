package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dsdreports/internal/infrastructure"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Observers never send data frames, only control frames.
	maxInbound = 512
	sendBuffer = 256
)

// Connection is the part of *websocket.Conn a Client uses.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
}

// Client is one read-only observer of the run's events.
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	logger *slog.Logger
}

// NewClient wraps conn for hub. traceID tags the client's log lines and
// the events addressed to it.
func NewClient(hub *Hub, conn Connection, remoteAddr, traceID string, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		traceID:     traceID,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		logger:      infrastructure.WithComponent(logger, "websocket.client").With(slog.String("client_id", id)),
	}
}

// ReadPump keeps the read deadline moving on pongs and discards anything
// else the observer sends. It unregisters the client when the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.logger.Warn("Observer connection closed unexpectedly", slog.String("error", err.Error()))
		}
		return
	}
}

// WritePump forwards queued events and pings the peer. It returns once the
// hub closes send or a write fails.
func (c *Client) WritePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, open := <-c.send:
			if !open {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Dropping observer after failed write", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits requests without an Origin header and those whose
// origin host is the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Handler upgrades status page requests and attaches them to hub.
func Handler(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnContext(r.Context(), "WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		c := NewClient(hub, conn, r.RemoteAddr, infrastructure.GetTraceID(r.Context()), logger)
		if !hub.Register(c) {
			conn.Close()
			return
		}
		go c.WritePump()
		go c.ReadPump()
	}
}
