package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS handled by the outer server
		return true
	},
}

// Event is one item on the live feed: a commit, a view change, or an
// anomaly alert.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Hub fans engine events out to connected websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	log     *zap.SugaredLogger
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{clients: make(map[*client]bool), log: log}
}

// Broadcast marshals the event once and queues it to every client. Slow
// clients are dropped rather than back-pressuring the engine.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Debugw("ws_upgrade_failed", "err", err)
		}
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	if h.log != nil {
		h.log.Infow("ws_client_connected", "id", c.id, "total", total)
	}
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readLoop only watches for close; inbound frames are discarded.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
