package broadcast

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendQueueDepth = 64
)

// client is one connected operator session. An operator may hold several
// (multiple tabs), each with its own connection.
type client struct {
	OperatorID uuid.UUID
	conn       *websocket.Conn
	send       chan []byte
}

// Hub fans typed messages out to every connected operator session, with
// targeted delivery for assignment messages. Slow consumers are dropped
// rather than allowed to stall the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	// bridge, when set, forwards published messages to peer instances.
	bridge *Bridge
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// SetBridge attaches the NATS bridge for multi-instance fan-out.
func (h *Hub) SetBridge(b *Bridge) { h.bridge = b }

// ClientCount is exported for metrics.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers to local sessions and forwards to peers via the bridge.
func (h *Hub) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	h.deliverLocal(msg)
	if h.bridge != nil {
		h.bridge.Forward(msg)
	}
}

func (h *Hub) deliverLocal(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Broadcast] marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if msg.Target != uuid.Nil && c.OperatorID != msg.Target {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Queue full: the reader is stuck. Closing here lets the
			// write pump unwind and the client reconnect fresh.
			log.Printf("[Broadcast] dropping slow client for operator %s", c.OperatorID)
			c.conn.Close()
		}
	}
}

// Serve runs the read/write pumps for an upgraded connection until it
// closes. The read side only consumes control frames; clients talk to the
// coordinator over HTTP, not the socket.
func (h *Hub) Serve(operatorID uuid.UUID, conn *websocket.Conn) {
	c := &client{OperatorID: operatorID, conn: conn, send: make(chan []byte, sendQueueDepth)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
