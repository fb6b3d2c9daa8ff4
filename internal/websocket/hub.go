package websocket

import (
	"sync"

	"github.com/google/uuid"
)

// Hub maps group names to the connections that joined them. Each Client keeps
// its own membership set; both sides are updated together under the hub lock.
type Hub struct {
	mu sync.RWMutex

	// clients maps client ID to client
	clients map[string]*Client

	// groups maps group name to the set of member clients
	groups map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client. A registered client can receive broadcasts.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
}

// Unregister removes a client from every group it joined and closes its send
// channel. It returns the groups the client was in.
func (h *Hub) Unregister(client *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return nil
	}

	left := make([]string, 0, len(client.groups))
	for group := range client.groups {
		h.removeMember(group, client)
		left = append(left, group)
	}
	clear(client.groups)
	delete(h.clients, client.ID)
	close(client.send)
	return left
}

// Join adds client to group and reports whether it was not a member before.
func (h *Hub) Join(client *Client, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	if _, ok := client.groups[group]; ok {
		return false
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[client] = struct{}{}
	client.groups[group] = struct{}{}
	return true
}

// Leave removes client from group and reports whether it was a member.
func (h *Hub) Leave(client *Client, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := client.groups[group]; !ok {
		return false
	}
	delete(client.groups, group)
	h.removeMember(group, client)
	return true
}

func (h *Hub) removeMember(group string, client *Client) {
	if members, ok := h.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// Broadcast queues payload for every member of group except connections of
// exclude. It never blocks; full buffers drop the frame for that member only.
// It returns how many members accepted the frame.
func (h *Hub) Broadcast(group string, payload []byte, exclude uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.groups[group] {
		if exclude != uuid.Nil && c.UserID == exclude {
			continue
		}
		if c.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// SendTo queues payload for one registered client.
func (h *Hub) SendTo(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	return client.enqueue(payload)
}

// IsMember reports whether client joined group.
func (h *Hub) IsMember(client *Client, group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := client.groups[group]
	return ok
}

// GroupsOf returns a copy of the client's memberships.
func (h *Hub) GroupsOf(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(client.groups))
	for group := range client.groups {
		out = append(out, group)
	}
	return out
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Clients returns a snapshot of registered clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}
