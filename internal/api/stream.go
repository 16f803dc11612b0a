package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"areapresence/internal/lightcontrol"
	"areapresence/internal/occupancy"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// StreamMessage is one event on the WebSocket stream
type StreamMessage struct {
	Type       string                `json:"type"`
	Transition *occupancy.Transition `json:"transition,omitempty"`
	Light      *lightcontrol.Event   `json:"light,omitempty"`
}

// Hub fans area events out to WebSocket clients. Clients that fall
// behind are dropped.
type Hub struct {
	clients map[*streamClient]struct{}
	mu      sync.Mutex
	logger  *zap.Logger

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan StreamMessage

	done     chan struct{}
	stopOnce sync.Once
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub; Run must be started for it to deliver anything
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]struct{}),
		logger:     logger.Named("stream"),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan StreamMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Stream client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Stream client disconnected", zap.Int("total", total))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to marshal stream message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("Stream client evicted (too slow)")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// PublishTransition queues a transition for every client
func (h *Hub) PublishTransition(tr occupancy.Transition) {
	h.queue(StreamMessage{Type: "transition", Transition: &tr})
}

// PublishLightEvent queues a light event for every client
func (h *Hub) PublishLightEvent(ev lightcontrol.Event) {
	h.queue(StreamMessage{Type: "light", Light: &ev})
}

func (h *Hub) queue(msg StreamMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Stream broadcast channel full, dropping message", zap.String("type", msg.Type))
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// The server's read/write timeouts would cut long-lived streams
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(4096)

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) writePump(client *streamClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// readPump discards client messages and unregisters on disconnect
func (s *Server) readPump(client *streamClient) {
	defer func() {
		select {
		case s.hub.unregister <- client:
		case <-s.hub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
