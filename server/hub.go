package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// statusPushInterval is how often the hub pushes a fresh status snapshot to
// connected /status/stream clients, mirroring eth-scanner's broadcastStats
// heartbeat cadence.
const statusPushInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub fans status snapshots out to every connected /status/stream client.
// Grounded on eth-scanner's internal/server/hub.go.
type hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.Mutex
}

func newHub() *hub {
	return &hub{
		broadcast:  make(chan []byte, 16),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Printf("server: status broadcast dropped, hub is backed up")
	}
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleStatusStream upgrades GET /status/stream to a websocket and pushes
// status snapshots on a fixed interval. This is additive to the polling
// GET /status, not a replacement (SPEC_FULL.md section 2).
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 8)}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()

	go s.pushStatusOnce(client)
}

func (s *Server) pushStatusOnce(c *wsClient) {
	encoded, err := json.Marshal(s.coord.Status(context.Background()))
	if err != nil {
		return
	}
	select {
	case c.send <- encoded:
	default:
	}
}

// broadcastStatusLoop periodically pushes the current status to every
// connected stream client. Started by Start alongside the hub.
func (s *Server) broadcastStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			encoded, err := json.Marshal(s.coord.Status(ctx))
			if err != nil {
				log.Printf("server: error encoding status broadcast: %v", err)
				continue
			}
			s.hub.Broadcast(encoded)
		}
	}
}
