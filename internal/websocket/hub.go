// Package websocket fans run events out to connected status clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"dsdreports/internal/infrastructure"
)

// Event types.
const (
	TypeConnection  = "connection"
	TypeJobStarted  = "job:started"
	TypeJobFinished = "job:finished"
	TypeRunStatus   = "run:status"
	TypeSnapshot    = "run:snapshot"
)

// broadcastBuffer bounds queued events; publishers never block on it.
const broadcastBuffer = 64

// Event is the envelope of every message sent to clients.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}

	mu           sync.RWMutex
	running      bool
	stopped      bool
	messagesSent int64
	dropped      int64
	snapshot     func() any

	logger *slog.Logger
}

// NewHub creates a Hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// SetSnapshot installs fn to describe the current run to clients that
// connect after it started. fn is called from the hub loop.
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Start runs the hub loop in a goroutine. It is idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return
	}
	h.running = true
	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()

			ctx := context.Background()
			if c.traceID != "" {
				ctx = infrastructure.WithTraceID(ctx, c.traceID)
			}
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr))

			h.greet(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client unregistered",
				slog.Int("total_clients", count),
				slog.String("client_id", c.id),
				slog.Duration("connection_duration", time.Since(c.connectedAt)))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
					h.messagesSent++
				default:
					// Slow client: drop it rather than stall everyone.
					close(c.send)
					delete(h.clients, c)
					h.logger.Warn("Client send buffer full, disconnecting",
						slog.String("client_id", c.id))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for all clients. It never blocks; events are
// dropped when the queue is full or the hub is stopped.
func (h *Hub) Publish(eventType string, data any, traceID string) {
	msg, err := encode(eventType, data, traceID)
	if err != nil {
		h.logger.Error("Error marshaling event",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn("Broadcast queue full, dropping event", slog.String("type", eventType))
	}
}

// Register adds a client. It returns false if the hub is stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns counters for the status endpoint.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int64{
		"active_clients": int64(len(h.clients)),
		"messages_sent":  h.messagesSent,
		"events_dropped": h.dropped,
	}
}

// Stop closes every client and ends the hub loop. It is idempotent.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.running = false
	h.mu.Unlock()

	close(h.quit)
}

// greet queues the connection ack and, if installed, the run snapshot.
func (h *Hub) greet(c *Client) {
	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()

	events := []Event{{Type: TypeConnection, Data: map[string]string{"status": "connected", "client_id": c.id}}}
	if snapshot != nil {
		events = append(events, Event{Type: TypeSnapshot, Data: snapshot()})
	}
	for _, ev := range events {
		msg, err := encode(ev.Type, ev.Data, c.traceID)
		if err != nil {
			h.logger.Error("Error marshaling event", slog.String("type", ev.Type), slog.String("error", err.Error()))
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func encode(eventType string, data any, traceID string) ([]byte, error) {
	return json.Marshal(Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
	})
}
