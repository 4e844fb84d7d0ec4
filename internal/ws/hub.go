package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// Hub tracks live connections and their room membership and delivers encoded
// events to them. It implements room.Transport.
type Hub struct {
	// Connected clients by connection id
	clients map[string]*Client

	// Room membership
	rooms map[store.RoomKey]map[*Client]bool

	// Clients whose send buffer overflowed
	evict chan *Client

	logger *slog.Logger
	mu     sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[store.RoomKey]map[*Client]bool),
		evict:   make(chan *Client, 256),
		logger:  logger,
	}
}

// Run drops clients that cannot keep up until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.evict:
			if h.remove(client) {
				h.logger.Warn("dropping slow client", "conn", client.id)
			}
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client connected", "conn", c.id, "namespace", c.namespace, "total", total)
}

// remove forgets the client and closes its send channel, which makes the write
// pump flush and close the socket. It reports whether the client was still
// registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.id] != c {
		return false
	}
	delete(h.clients, c.id)
	for key, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, key)
			}
		}
	}
	close(c.send)
	return true
}

func (h *Hub) JoinRoom(key store.RoomKey, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	if _, ok := h.rooms[key]; !ok {
		h.rooms[key] = make(map[*Client]bool)
	}
	h.rooms[key][client] = true
}

func (h *Hub) LeaveRoom(key store.RoomKey, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[key]
	if !ok {
		return
	}
	for client := range members {
		if client.id == connID {
			delete(members, client)
		}
	}
	if len(members) == 0 {
		delete(h.rooms, key)
	}
}

// Members returns the connection ids in the room, sorted.
func (h *Hub) Members(key store.RoomKey) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[key]))
	for client := range h.rooms[key] {
		ids = append(ids, client.id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Send(connID, event string, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("encode failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if client, ok := h.clients[connID]; ok {
		h.deliver(client, frame)
	}
}

func (h *Hub) Broadcast(key store.RoomKey, event string, data any, except string) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("encode failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[key] {
		if client.id != except {
			h.deliver(client, frame)
		}
	}
}

// deliver must be called with h.mu held. A full send buffer queues the
// client for eviction instead of blocking the room.
func (h *Hub) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		select {
		case h.evict <- c:
		default:
		}
	}
}

func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()

	if ok {
		h.remove(client)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
