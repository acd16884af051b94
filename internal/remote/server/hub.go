package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/thisai/crmsync/internal/remote"
)

// hub fans document events out to websocket subscribers of a collection.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool
	logger  *log.Logger
}

func newHub(logger *log.Logger) *hub {
	return &hub{
		clients: make(map[string]map[*websocket.Conn]bool),
		logger:  logger,
	}
}

func hubKey(tenant, collection string) string {
	return tenant + "/" + collection
}

func (h *hub) add(tenant, collection string, conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hubKey(tenant, collection)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*websocket.Conn]bool)
	}
	h.clients[key][conn] = true
	return len(h.clients[key])
}

func (h *hub) remove(tenant, collection string, conn *websocket.Conn) {
	h.mu.Lock()
	key := hubKey(tenant, collection)
	_, exists := h.clients[key][conn]
	delete(h.clients[key], conn)
	if len(h.clients[key]) == 0 {
		delete(h.clients, key)
	}
	h.mu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *hub) count(tenant, collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[hubKey(tenant, collection)])
}

// publish sends ev to every subscriber of its collection.
func (h *hub) publish(tenant string, ev remote.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[hubKey(tenant, ev.Collection)]))
	for conn := range h.clients[hubKey(tenant, ev.Collection)] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Printf("Failed to send event to subscriber: %v", err)
			h.remove(tenant, ev.Collection, conn)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, conns := range h.clients {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		}
		delete(h.clients, key)
	}
}
