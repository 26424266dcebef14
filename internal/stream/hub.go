// Package stream pushes job lifecycle events to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 64
)

// Message is the JSON frame sent for every event.
type Message struct {
	Type         types.EventType `json:"type"`
	JobID        types.JobID     `json:"job_id"`
	Kind         types.JobKind   `json:"kind"`
	OwnerID      string          `json:"owner_id"`
	Status       types.JobStatus `json:"status"`
	Progress     int             `json:"progress"`
	ProgressNote string          `json:"progress_note,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

func newMessage(evt types.Event) Message {
	m := Message{
		Type:         evt.Type,
		JobID:        evt.Job.ID,
		Kind:         evt.Job.Kind,
		OwnerID:      evt.Job.OwnerID,
		Status:       evt.Job.Status,
		Progress:     evt.Job.Progress,
		ProgressNote: evt.Job.ProgressNote,
		Timestamp:    evt.At,
	}
	if evt.Job.Error != nil {
		m.Error = evt.Job.Error.Error()
	}
	return m
}

type client struct {
	conn  *websocket.Conn
	owner string
	jobID types.JobID
	send  chan []byte
}

func (c *client) wants(evt types.Event) bool {
	if c.jobID != "" && evt.Job.ID != c.jobID {
		return false
	}
	return c.owner == "" || evt.Job.OwnerID == c.owner
}

// Hub tracks WebSocket clients and broadcasts events to them. Clients may
// narrow their feed with ?owner=<id> or ?job=<id>.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan types.Event
	done       chan struct{}
	clients    atomic.Int32
	logger     *slog.Logger
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan types.Event, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]struct{})
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
		h.clients.Store(0)
	}()

	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.clients.Store(int32(len(clients)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int32(len(clients)))
			h.logger.Debug("WebSocket client connected", "owner", c.owner, "clients", len(clients))

		case c := <-h.unregister:
			drop(c)
			h.logger.Debug("WebSocket client disconnected", "clients", len(clients))

		case evt := <-h.broadcast:
			data, err := json.Marshal(newMessage(evt))
			if err != nil {
				h.logger.Error("Failed to marshal event", "jobID", evt.Job.ID, "error", err)
				continue
			}
			for c := range clients {
				if !c.wants(evt) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("Dropping slow WebSocket client", "owner", c.owner)
					drop(c)
				}
			}
		}
	}
}

// HandleEvent implements event.Sink.
func (h *Hub) HandleEvent(evt types.Event) {
	select {
	case h.broadcast <- evt:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int { return int(h.clients.Load()) }

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", "error", err)
		return
	}

	c := &client{
		conn:  conn,
		owner: r.URL.Query().Get("owner"),
		jobID: types.JobID(r.URL.Query().Get("job")),
		send:  make(chan []byte, clientSendSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump(h.logger)
	c.readPump()

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump discards client frames and returns when the connection fails.
func (c *client) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(logger *slog.Logger) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Debug("Error sending message to client", "error", err)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hub stopped"))
}
