package ipc

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport labels recorded in ClientInfo.
const (
	TransportSocket    = "socket"
	TransportWebSocket = "websocket"
)

// ClientInfo describes one connected control client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	Remote      string    `json:"remote,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Subscribed  bool      `json:"subscribed"`
}

// Registry tracks the clients of every transport.
type Registry struct {
	mu       sync.Mutex
	clients  map[string]*ClientInfo
	onChange func(transport string, delta int)
}

// NewRegistry returns an empty registry. onChange, when set, is called with
// +1 or -1 as clients connect and disconnect.
func NewRegistry(onChange func(transport string, delta int)) *Registry {
	return &Registry{
		clients:  make(map[string]*ClientInfo),
		onChange: onChange,
	}
}

// Add registers a client and returns its generated id.
func (r *Registry) Add(transport, remote string) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.clients[id] = &ClientInfo{
		ID:          id,
		Transport:   transport,
		Remote:      remote,
		ConnectedAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange(transport, 1)
	}
	return id
}

// Remove deregisters a client. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	info, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if ok && r.onChange != nil {
		r.onChange(info.Transport, -1)
	}
}

// SetSubscribed records whether the client holds a notification subscription.
func (r *Registry) SetSubscribed(id string, subscribed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.clients[id]; ok {
		info.Subscribed = subscribed
	}
}

// List returns a snapshot ordered by connection time.
func (r *Registry) List() []ClientInfo {
	r.mu.Lock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, info := range r.clients {
		out = append(out, *info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len reports the number of connected clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
