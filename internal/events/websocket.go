package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easel-sd/easel/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHub relays bus events to WebSocket clients. Each client chooses its
// topics with a subscribe frame; until one arrives it receives everything.
type WSHub struct {
	bus        *Bus
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte

	topicMu sync.RWMutex
	topics  map[string]bool
}

// subscribeFrame is the only inbound message clients may send.
type subscribeFrame struct {
	Subscribe []string `json:"subscribe"`
}

// NewWSHub creates a hub fed by the given bus.
func NewWSHub(bus *Bus, logger *common.Logger) *WSHub {
	return &WSHub{
		bus:        bus,
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run consumes the bus and fans events out to clients. Should be called
// as a goroutine.
func (h *WSHub) Run() {
	sub := h.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("WebSocket client disconnected")

		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to marshal event")
				continue
			}

			h.mu.RLock()
			var slow []*WSClient
			for client := range h.clients {
				if !client.wants(event.Topic) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			// Evict clients that stopped draining rather than block
			// the fan-out loop.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
				h.logger.Warn().Int("evicted", len(slow)).Msg("Dropped slow WebSocket clients")
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *WSHub) Stop() {
	select {
	case <-h.done:
		// Already stopped
	default:
		close(h.done)
	}
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client.
// Initial topics come from the "topics" query parameter; a subscribe frame
// can change them later.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[string]bool),
	}
	if topics, ok := r.URL.Query()["topics"]; ok {
		client.setTopics(topics)
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *WSClient) wants(topic string) bool {
	c.topicMu.RLock()
	defer c.topicMu.RUnlock()
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *WSClient) setTopics(topics []string) {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()
	c.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		c.topics[t] = true
	}
}

// writePump sends messages from the send channel to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads subscribe frames and detects connection close.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var frame subscribeFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Subscribe == nil {
			continue
		}
		c.setTopics(frame.Subscribe)
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}
