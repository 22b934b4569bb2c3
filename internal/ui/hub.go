package ui

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sphub/internal/notify"
	"sphub/internal/sp"
)

const (
	broadcastQueueLen = 256
	writeWait         = 10 * time.Second
	readWait          = 60 * time.Second
)

// Message is what websocket clients receive for every event.
type Message struct {
	Type notify.Kind  `json:"type"`
	Data notify.Event `json:"data"`
}

// Hub pushes engine events to websocket clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	upgrader  websocket.Upgrader
	logger    sp.Logger
}

func NewHub(logger sp.Logger) *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastQueueLen),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: sp.OrNop(logger),
	}
}

// Run writes broadcast messages to every client until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// Publish queues ev for the clients. It never blocks: when the clients
// fall behind, events are dropped.
func (h *Hub) Publish(ev notify.Event) {
	msg, err := json.Marshal(Message{Type: ev.Kind(), Data: ev})
	if err != nil {
		h.logger.Error("internal error: encoding event", "type", ev.Kind(), "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("event feed full, dropping event", "type", ev.Kind())
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) WsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.logger.Info("ui client connected", "remote", r.RemoteAddr)
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("ui client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}
