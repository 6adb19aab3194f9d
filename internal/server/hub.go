package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// hub fans broadcast messages out to every connected websocket client.
// All client bookkeeping happens on the run goroutine.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	registerCh chan *websocket.Conn
	leave      chan *websocket.Conn
	count      atomic.Int64
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		registerCh: make(chan *websocket.Conn),
		leave:      make(chan *websocket.Conn),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.count.Store(0)
			return

		case client := <-h.registerCh:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.leave:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int64(len(h.clients)))
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

func (h *hub) register(ctx context.Context, conn *websocket.Conn) bool {
	select {
	case h.registerCh <- conn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *hub) unregister(conn *websocket.Conn) {
	select {
	case h.leave <- conn:
	case <-time.After(writeWait):
	}
}

func (h *hub) publish(ctx context.Context, msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
	}
}

// size reports the number of connected clients.
func (h *hub) size() int { return int(h.count.Load()) }
