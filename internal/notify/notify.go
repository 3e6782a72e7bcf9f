// Package notify defines the Notifier port and a WebSocket-backed Hub
// implementing it, grounded in the same per-connection buffered-channel
// fan-out the room/game layer uses for broadcast delivery.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Notifier delivers JSON payloads to connections identified by opaque
// conn_ids. Sends to unknown or detached conn_ids are silently dropped.
type Notifier interface {
	SendToConn(connID string, payload any)
	Broadcast(connIDs []string, payload any)
	CloseConn(connID string)
}

const sendBuffer = 256

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// Hub is the concrete Notifier: it owns the conn_id -> *websocket.Conn
// map and fans out sends onto per-connection buffered channels drained
// by each connection's own write pump goroutine.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	log   *slog.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{conns: make(map[string]*conn), log: log}
}

// Register attaches a live WebSocket connection under connID and returns
// the channel its write pump should drain. Call Unregister on teardown.
func (h *Hub) Register(connID string, ws *websocket.Conn) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &conn{id: connID, ws: ws, send: make(chan []byte, sendBuffer)}
	h.conns[connID] = c
	return c.send
}

// Unregister detaches connID, closing its send channel. Safe to call
// more than once.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	close(c.send)
}

func (h *Hub) encode(payload any) ([]byte, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal outbound payload", "error", err)
		return nil, false
	}
	return raw, true
}

// SendToConn implements Notifier.
func (h *Hub) SendToConn(connID string, payload any) {
	raw, ok := h.encode(payload)
	if !ok {
		return
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- raw:
	default:
		h.log.Warn("dropping send, buffer full", "conn_id", connID)
	}
}

// Broadcast implements Notifier. Each recipient receives payloads from
// successive Broadcast/SendToConn calls in the order they were emitted;
// the order across distinct recipients within one call is unspecified.
func (h *Hub) Broadcast(connIDs []string, payload any) {
	raw, ok := h.encode(payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range connIDs {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		select {
		case c.send <- raw:
		default:
			h.log.Warn("dropping broadcast, buffer full", "conn_id", id)
		}
	}
}

// CloseConn implements Notifier.
func (h *Hub) CloseConn(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.ws.Close()
}

var _ Notifier = (*Hub)(nil)
